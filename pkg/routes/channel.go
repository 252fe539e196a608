// Package routes carries the addresses learned from upstream answers to the
// component that installs host routes for them.
package routes

import (
	"errors"
	"sync"
)

var (
	// ErrQueueFull is returned by Report when the consumer has fallen behind
	ErrQueueFull = errors.New("route queue full")

	// ErrClosed is returned by Report after Close
	ErrClosed = errors.New("route channel closed")
)

// Channel is a bounded queue of textual IP addresses.
// Report never blocks so the DNS dispatch loop is never held up by the consumer.
type Channel struct {
	mu     sync.RWMutex
	ch     chan string
	closed bool
}

// NewChannel creates a channel that buffers up to capacity addresses
func NewChannel(capacity int) *Channel {
	if capacity < 1 {
		capacity = 1
	}
	return &Channel{ch: make(chan string, capacity)}
}

// Report queues addr for the consumer
func (c *Channel) Report(addr string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}

	select {
	case c.ch <- addr:
		return nil
	default:
		return ErrQueueFull
	}
}

// C returns the receiving side. It is closed by Close once drained.
func (c *Channel) C() <-chan string {
	return c.ch
}

// Len returns the number of queued addresses
func (c *Channel) Len() int {
	return len(c.ch)
}

// Close stops accepting reports. Queued addresses stay readable from C.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}
