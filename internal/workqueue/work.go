// Package workqueue runs bounded units of work on fixed worker pools and
// schedules retries of transient network failures.
package workqueue

import (
	"context"
	"errors"
)

// ErrQueueClosed is returned when submitting to a stopped pool.
var ErrQueueClosed = errors.New("work queue closed")

// Work is one unit executed by a pool worker. The pool forgets the item as
// soon as Process returns.
type Work interface {
	Process(ctx context.Context)
}

// Abandoner is implemented by work that must be told when it will never run,
// e.g. because the pool stopped with the item still queued.
type Abandoner interface {
	Abandon(err error)
}

// WorkFunc adapts a function to Work.
type WorkFunc func(ctx context.Context)

func (f WorkFunc) Process(ctx context.Context) { f(ctx) }

// Queue is a bounded FIFO. Add blocks while the queue is full, which is the
// only backpressure the pools apply.
type Queue struct {
	name  string
	items chan Work
}

// NewQueue creates a queue that holds at most capacity items.
func NewQueue(name string, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{name: name, items: make(chan Work, capacity)}
}

// Name returns the queue name used in logs and metrics.
func (q *Queue) Name() string { return q.name }

// Add enqueues w, blocking until there is room or ctx is done.
func (q *Queue) Add(ctx context.Context, w Work) error {
	select {
	case q.items <- w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAdd enqueues w if there is room right now.
func (q *Queue) TryAdd(w Work) bool {
	select {
	case q.items <- w:
		return true
	default:
		return false
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return len(q.items) }
