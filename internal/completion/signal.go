// Package completion implements the one-shot signal that marks the end of a
// harness lifecycle.
package completion

import (
	"context"
	"errors"
	"sync"
)

// ErrKilled is the outcome error of a lifecycle ended by a forced kill.
var ErrKilled = errors.New("worker killed")

// OutcomeKind tags how a lifecycle ended.
type OutcomeKind string

const (
	// Pending means the signal has not transitioned yet.
	Pending OutcomeKind = "pending"
	// OK means the worker returned normally.
	OK OutcomeKind = "ok"
	// Failed means the worker exited uncleanly; Err carries the payload.
	Failed OutcomeKind = "failed"
	// Killed means the lifecycle was force-resolved by kill.
	Killed OutcomeKind = "killed"
)

// Outcome is the recorded result of a completed signal.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

// Error maps the outcome to the error a waiting caller should see.
func (o Outcome) Error() error {
	switch o.Kind {
	case OK:
		return nil
	case Killed:
		if o.Err != nil {
			return o.Err
		}
		return ErrKilled
	case Failed:
		if o.Err != nil {
			return o.Err
		}
		return errors.New("worker failed")
	default:
		return nil
	}
}

// Signal transitions exactly once from pending to a terminal outcome.
type Signal struct {
	once    sync.Once
	done    chan struct{}
	mu      sync.RWMutex
	outcome Outcome
}

// New creates a pending signal.
func New() *Signal {
	return &Signal{
		done:    make(chan struct{}),
		outcome: Outcome{Kind: Pending},
	}
}

// Complete records outcome if the signal is still pending. It reports whether
// this call performed the transition.
func (s *Signal) Complete(outcome Outcome) bool {
	if outcome.Kind == Pending || outcome.Kind == "" {
		return false
	}
	transitioned := false
	s.once.Do(func() {
		s.mu.Lock()
		s.outcome = outcome
		s.mu.Unlock()
		close(s.done)
		transitioned = true
	})
	return transitioned
}

// Done is closed once the signal transitions.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Outcome returns the recorded outcome and whether the signal has transitioned.
func (s *Signal) Outcome() (Outcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outcome, s.outcome.Kind != Pending
}

// Wait blocks until the signal transitions or ctx is done.
func (s *Signal) Wait(ctx context.Context) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-s.done:
		outcome, _ := s.Outcome()
		return outcome, nil
	case <-ctx.Done():
		return Outcome{Kind: Pending}, ctx.Err()
	}
}
