// Package executor provides the dedicated single-concurrency execution lane a
// harnessed worker runs on.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// ErrRejected is returned by Submit once the lane stopped accepting work.
var ErrRejected = errors.New("execution lane is shut down")

// Task is one unit of work. ctx is cancelled by ShutdownNow.
type Task func(ctx context.Context)

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Option configures a Lane.
type Option func(*Lane)

// WithPanicHandler receives panics recovered from tasks.
func WithPanicHandler(handler func(*PanicError)) Option {
	return func(lane *Lane) {
		if handler != nil {
			lane.onPanic = handler
		}
	}
}

// Lane runs tasks one at a time, in submission order, on a goroutine locked to
// its own OS thread. The thread is released back to the OS when the lane
// terminates because the goroutine exits without unlocking it.
type Lane struct {
	name    string
	ctx     context.Context
	cancel  context.CancelFunc
	onPanic func(*PanicError)

	mu       sync.Mutex
	wake     *sync.Cond
	queue    []Task
	started  bool
	stopping bool
	running  bool

	terminated chan struct{}
}

// New creates a lane. The underlying goroutine starts on first Submit.
func New(name string, options ...Option) *Lane {
	ctx, cancel := context.WithCancel(context.Background())
	lane := &Lane{
		name:       name,
		ctx:        ctx,
		cancel:     cancel,
		onPanic:    func(*PanicError) {},
		terminated: make(chan struct{}),
	}
	lane.wake = sync.NewCond(&lane.mu)
	for _, option := range options {
		if option != nil {
			option(lane)
		}
	}
	return lane
}

// Name returns the lane label.
func (l *Lane) Name() string {
	return l.name
}

// Submit enqueues task.
func (l *Lane) Submit(task Task) error {
	if task == nil {
		return errors.New("task is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopping {
		return ErrRejected
	}
	l.queue = append(l.queue, task)
	if !l.started {
		l.started = true
		go l.loop()
	}
	l.wake.Signal()
	return nil
}

// Shutdown stops accepting work. Queued tasks still run; the lane terminates
// once the queue is empty.
func (l *Lane) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopping = true
	if !l.started {
		l.started = true
		close(l.terminated)
		return
	}
	l.wake.Broadcast()
}

// ShutdownNow stops accepting work, drops queued tasks and cancels the
// context of the running task. It returns how many queued tasks were dropped.
func (l *Lane) ShutdownNow() int {
	l.mu.Lock()
	dropped := len(l.queue)
	l.queue = nil
	l.stopping = true
	if !l.started {
		l.started = true
		close(l.terminated)
	}
	l.wake.Broadcast()
	l.mu.Unlock()

	l.cancel()
	return dropped
}

// Busy reports whether a task is executing.
func (l *Lane) Busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Terminated is closed once the lane goroutine has exited.
func (l *Lane) Terminated() <-chan struct{} {
	return l.terminated
}

// AwaitTermination waits for the lane goroutine to exit or ctx to end.
func (l *Lane) AwaitTermination(ctx context.Context) error {
	select {
	case <-l.terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lane) loop() {
	runtime.LockOSThread()
	defer close(l.terminated)

	for {
		task, ok := l.next()
		if !ok {
			return
		}
		l.run(task)
	}
}

func (l *Lane) next() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.running = false
	for len(l.queue) == 0 {
		if l.stopping {
			return nil, false
		}
		l.wake.Wait()
	}
	task := l.queue[0]
	l.queue = l.queue[1:]
	l.running = true
	return task, true
}

func (l *Lane) run(task Task) {
	defer func() {
		if recovered := recover(); recovered != nil {
			l.onPanic(&PanicError{Value: recovered, Stack: debug.Stack()})
		}
	}()
	task(l.ctx)
}
