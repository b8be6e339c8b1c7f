package workqueue

import (
	"context"
	"sync"
)

// SynchronizedCounter counts completions and lets callers wait until a
// number of them has been reached. Every increment wakes all waiters by
// closing the current notify channel.
type SynchronizedCounter struct {
	mu      sync.Mutex
	count   int
	changed chan struct{}
}

// NewSynchronizedCounter returns a counter starting at zero.
func NewSynchronizedCounter() *SynchronizedCounter {
	return &SynchronizedCounter{changed: make(chan struct{})}
}

// Inc adds one and wakes waiters.
func (c *SynchronizedCounter) Inc() {
	c.mu.Lock()
	c.count++
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

// Count returns the current value.
func (c *SynchronizedCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// WaitForCount blocks until the counter reaches n or ctx is done.
func (c *SynchronizedCounter) WaitForCount(ctx context.Context, n int) error {
	for {
		c.mu.Lock()
		if c.count >= n {
			c.mu.Unlock()
			return nil
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
