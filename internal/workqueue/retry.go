package workqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/beegfs/buddymirror/internal/metrics"
	"github.com/beegfs/buddymirror/pkg/proto"
)

// RetryableOp is a network operation that may be attempted several times.
// Implementations should be value types: each retry gets a copy of the
// parameters and nothing else survives between attempts.
type RetryableOp interface {
	Name() string
	Execute(ctx context.Context, attempt int) error
}

// RetryPolicy bounds retries. MaxRetries 0 means unlimited.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Descriptor is one scheduled attempt of an operation. It is passed by value;
// a retry builds a new Descriptor instead of touching the old one.
type Descriptor struct {
	Op        RetryableOp
	Attempt   int
	Delay     time.Duration
	LastTried time.Time
	DueAt     time.Time

	// Ctx is the caller's context. Once it is done the operation counts as
	// interrupted and is never retried.
	Ctx  context.Context
	Done func(error)
}

func (d Descriptor) finish(err error) {
	if d.Done != nil {
		d.Done(err)
	}
}

// next builds the descriptor for the following attempt.
func (d Descriptor) next(policy RetryPolicy, now time.Time) Descriptor {
	attempt := d.Attempt + 1
	delay := policy.Backoff(attempt)
	return Descriptor{
		Op:        d.Op,
		Attempt:   attempt,
		Delay:     delay,
		LastTried: now,
		DueAt:     now.Add(delay),
		Ctx:       d.Ctx,
		Done:      d.Done,
	}
}

// attemptWork runs one Descriptor on a pool worker.
type attemptWork struct {
	desc    Descriptor
	retrier *Retrier
}

func (w *attemptWork) Process(ctx context.Context) {
	d := w.desc
	opCtx := d.Ctx
	if opCtx == nil {
		opCtx = ctx
	}
	if opCtx.Err() != nil {
		d.finish(fmt.Errorf("%s: %w", d.Op.Name(), proto.OpsInterrupted))
		return
	}

	err := d.Op.Execute(opCtx, d.Attempt)
	if err == nil {
		d.finish(nil)
		return
	}

	r := w.retrier
	switch {
	case errors.Is(err, proto.OpsInterrupted) || opCtx.Err() != nil:
		d.finish(fmt.Errorf("%s: %w", d.Op.Name(), proto.OpsInterrupted))
	case !proto.IsTransient(err):
		d.finish(err)
	case r.policy.MaxRetries > 0 && d.Attempt >= r.policy.MaxRetries:
		r.logger.Warn().Err(err).Str("op", d.Op.Name()).Int("retries", d.Attempt).Msg("giving up after retries")
		d.finish(fmt.Errorf("%s: giving up after %d retries: %w", d.Op.Name(), d.Attempt, err))
	default:
		r.logger.Debug().Err(err).Str("op", d.Op.Name()).Int("attempt", d.Attempt+1).Msg("scheduling retry")
		r.schedule(d.next(r.policy, time.Now()))
	}
}

func (w *attemptWork) Abandon(err error) {
	w.desc.finish(fmt.Errorf("%s: %w: %v", w.desc.Op.Name(), proto.OpsInterrupted, err))
}

// RetrierConfig holds configuration for a Retrier.
type RetrierConfig struct {
	Pool    *Pool
	Policy  RetryPolicy
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Retrier executes retryable operations on a pool. Failed attempts come back
// as new descriptors on a retry channel; a scheduler goroutine holds them
// until they are due and resubmits them.
type Retrier struct {
	pool    *Pool
	policy  RetryPolicy
	logger  zerolog.Logger
	metrics *metrics.Metrics

	retryCh chan Descriptor
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// NewRetrier creates a retrier. Call Start to launch the scheduler.
func NewRetrier(cfg RetrierConfig) *Retrier {
	ctx, cancel := context.WithCancel(context.Background())
	return &Retrier{
		pool:    cfg.Pool,
		policy:  cfg.Policy,
		logger:  cfg.Logger.With().Str("component", "retry-scheduler").Logger(),
		metrics: cfg.Metrics,
		retryCh: make(chan Descriptor, 256),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the scheduler goroutine.
func (r *Retrier) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop ends the scheduler. Pending retries finish as interrupted.
func (r *Retrier) Stop() {
	r.once.Do(func() {
		r.cancel()
		r.wg.Wait()
	})
}

// Submit runs op on the pool. done is called exactly once with the terminal
// result: success, a non-transient error, exhausted retries or interruption.
func (r *Retrier) Submit(ctx context.Context, op RetryableOp, done func(error)) error {
	d := Descriptor{Op: op, Ctx: ctx, Done: done}
	if err := r.pool.Submit(ctx, &attemptWork{desc: d, retrier: r}); err != nil {
		return fmt.Errorf("submit %s: %w", op.Name(), err)
	}
	return nil
}

// Do is Submit followed by waiting for the terminal result.
func (r *Retrier) Do(ctx context.Context, op RetryableOp) error {
	result := make(chan error, 1)
	if err := r.Submit(ctx, op, func(err error) { result <- err }); err != nil {
		return err
	}
	return <-result
}

func (r *Retrier) schedule(d Descriptor) {
	if r.ctx.Err() != nil {
		d.finish(fmt.Errorf("%s: %w", d.Op.Name(), proto.OpsInterrupted))
		return
	}
	r.metrics.WorkRetried()
	select {
	case r.retryCh <- d:
	case <-r.ctx.Done():
		d.finish(fmt.Errorf("%s: %w", d.Op.Name(), proto.OpsInterrupted))
	}
}

func (r *Retrier) run() {
	defer r.wg.Done()

	pending := &descriptorHeap{}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	rearm := func() {
		timer.Stop()
		if pending.Len() == 0 {
			return
		}
		wait := time.Until((*pending)[0].DueAt)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}

	for {
		select {
		case <-r.ctx.Done():
			for len(r.retryCh) > 0 {
				heap.Push(pending, <-r.retryCh)
			}
			for pending.Len() > 0 {
				d := heap.Pop(pending).(Descriptor)
				d.finish(fmt.Errorf("%s: %w", d.Op.Name(), proto.OpsInterrupted))
			}
			return

		case d := <-r.retryCh:
			heap.Push(pending, d)
			rearm()

		case <-timer.C:
			now := time.Now()
			for pending.Len() > 0 && !(*pending)[0].DueAt.After(now) {
				d := heap.Pop(pending).(Descriptor)
				if d.Ctx != nil && d.Ctx.Err() != nil {
					d.finish(fmt.Errorf("%s: %w", d.Op.Name(), proto.OpsInterrupted))
					continue
				}
				if !r.pool.TrySubmit(&attemptWork{desc: d, retrier: r}) {
					// Pool is saturated; try again shortly instead of blocking
					// the workers that feed retryCh.
					d.DueAt = now.Add(50 * time.Millisecond)
					heap.Push(pending, d)
					break
				}
			}
			rearm()
		}
	}
}

// descriptorHeap orders descriptors by due time.
type descriptorHeap []Descriptor

func (h descriptorHeap) Len() int           { return len(h) }
func (h descriptorHeap) Less(i, j int) bool { return h[i].DueAt.Before(h[j].DueAt) }
func (h descriptorHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *descriptorHeap) Push(x any)        { *h = append(*h, x.(Descriptor)) }
func (h *descriptorHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	*h = old[:n-1]
	return d
}
