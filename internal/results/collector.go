// Package results holds the append-only log of messages a worker produced.
package results

import (
	"errors"
	"sync"

	"github.com/ship-commander/destharness/internal/protocol"
)

// ErrSealed is returned by Append once the collector was sealed.
var ErrSealed = errors.New("result collector is sealed")

// Collector is an ordered, append-only sequence of protocol messages. The
// worker appends while the driver reads snapshots concurrently.
type Collector struct {
	mu       sync.RWMutex
	messages []protocol.Message
	cursor   int
	sealed   bool
}

// New creates an empty collector.
func New() *Collector {
	return &Collector{messages: make([]protocol.Message, 0)}
}

// Append records one produced message.
func (c *Collector) Append(message protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sealed {
		return ErrSealed
	}
	c.messages = append(c.messages, message)
	return nil
}

// Seal rejects every later Append so snapshots stay fixed.
func (c *Collector) Seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (c *Collector) Sealed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sealed
}

// Len returns the number of collected messages.
func (c *Collector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Messages returns a copy of every collected message in produced order.
func (c *Collector) Messages() []protocol.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]protocol.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// NewMessages returns messages appended since the previous NewMessages call.
func (c *Collector) NewMessages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	fresh := c.messages[c.cursor:]
	out := make([]protocol.Message, len(fresh))
	copy(out, fresh)
	c.cursor = len(c.messages)
	return out
}

// Records returns the RECORD messages collected so far.
func (c *Collector) Records() []protocol.Message {
	return c.ofType(protocol.TypeRecord)
}

// States returns the STATE messages collected so far.
func (c *Collector) States() []protocol.Message {
	return c.ofType(protocol.TypeState)
}

// Traces returns the TRACE messages collected so far.
func (c *Collector) Traces() []protocol.Message {
	return c.ofType(protocol.TypeTrace)
}

func (c *Collector) ofType(kind protocol.Type) []protocol.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]protocol.Message, 0)
	for _, message := range c.messages {
		if message.Type == kind {
			out = append(out, message)
		}
	}
	return out
}
