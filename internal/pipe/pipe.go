// Package pipe provides the ordered in-memory byte channel that stands in for a
// worker's standard input.
package pipe

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

var (
	// ErrClosed is returned by writes after the write end was closed or the pipe was interrupted.
	ErrClosed = errors.New("write on closed pipe")
	// ErrInterrupted is delivered to readers when the pipe is broken by Interrupt.
	ErrInterrupted = errors.New("pipe read interrupted")
)

// Pipe is a single-writer/single-reader byte stream. Writes are buffered and
// never wait for the reader; reads block until data, end of input, or an
// interruption is observed.
type Pipe struct {
	mu          sync.Mutex
	readable    *sync.Cond
	buf         bytes.Buffer
	writeClosed bool
	readErr     error
	written     int64
}

// New creates an open pipe.
func New() *Pipe {
	p := &Pipe{}
	p.readable = sync.NewCond(&p.mu)
	return p
}

// Write appends p to the stream.
func (p *Pipe) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writeClosed || p.readErr != nil {
		return 0, ErrClosed
	}
	n, _ := p.buf.Write(data)
	p.written += int64(n)
	p.readable.Broadcast()
	return n, nil
}

// WriteLine appends line followed by a newline as one atomic write.
func (p *Pipe) WriteLine(line string) error {
	record := make([]byte, 0, len(line)+1)
	record = append(record, line...)
	record = append(record, '\n')
	_, err := p.Write(record)
	return err
}

// Read blocks until bytes are available. After CloseWrite it drains the
// buffer and then returns io.EOF; after Interrupt it returns the interruption
// error immediately, discarding anything unread.
func (p *Pipe) Read(out []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.readErr != nil {
			return 0, p.readErr
		}
		if p.buf.Len() > 0 {
			if len(out) == 0 {
				return 0, nil
			}
			return p.buf.Read(out)
		}
		if p.writeClosed {
			return 0, io.EOF
		}
		p.readable.Wait()
	}
}

// CloseWrite signals end of input. It is safe to call more than once.
func (p *Pipe) CloseWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.writeClosed = true
	p.readable.Broadcast()
	return nil
}

// Interrupt breaks the pipe. Pending and future reads fail with err
// (ErrInterrupted when err is nil) and future writes fail with ErrClosed.
func (p *Pipe) Interrupt(err error) {
	if err == nil {
		err = ErrInterrupted
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.readErr == nil {
		p.readErr = err
	}
	p.buf.Reset()
	p.readable.Broadcast()
}

// Closed reports whether the write end no longer accepts data.
func (p *Pipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeClosed || p.readErr != nil
}

// Written returns the number of bytes accepted so far.
func (p *Pipe) Written() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

var _ io.ReadWriter = (*Pipe)(nil)
