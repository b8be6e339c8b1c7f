package workqueue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/beegfs/buddymirror/internal/metrics"
)

// PoolConfig holds configuration for a worker pool.
type PoolConfig struct {
	Name      string
	Workers   int
	QueueSize int
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// Pool is a fixed set of workers draining one shared queue. Each worker also
// has a personal queue that takes priority, used for barriers that must reach
// every worker exactly once.
type Pool struct {
	name     string
	queue    *Queue
	personal []chan Work
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	stopped bool
}

// NewPool creates a pool. Call Start to launch the workers.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 64
	}
	if cfg.Name == "" {
		cfg.Name = "general"
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:     cfg.Name,
		queue:    NewQueue(cfg.Name, cfg.QueueSize),
		personal: make([]chan Work, cfg.Workers),
		logger:   cfg.Logger.With().Str("component", "worker-pool").Str("pool", cfg.Name).Logger(),
		metrics:  cfg.Metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := range p.personal {
		p.personal[i] = make(chan Work, 8)
	}
	return p
}

// Start launches the workers. It is a no-op on a running pool.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := range p.personal {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Debug().Int("workers", len(p.personal)).Msg("worker pool started")
}

// Stop cancels the workers, waits for them to exit and abandons queued work.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.drain()
}

func (p *Pool) drain() {
	abandon := func(w Work) {
		if a, ok := w.(Abandoner); ok {
			a.Abandon(fmt.Errorf("pool %s stopped: %w", p.name, ErrQueueClosed))
		}
	}
	for p.queue.Len() > 0 {
		abandon(<-p.queue.items)
	}
	for _, ch := range p.personal {
		for len(ch) > 0 {
			abandon(<-ch)
		}
	}
}

// NumWorkers returns the number of workers.
func (p *Pool) NumWorkers() int { return len(p.personal) }

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Submit queues w on the shared queue. It blocks while the queue is full.
func (p *Pool) Submit(ctx context.Context, w Work) error {
	if p.ctx.Err() != nil {
		return ErrQueueClosed
	}
	select {
	case p.queue.items <- w:
		p.metrics.SetQueueDepth(p.name, p.queue.Len())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrQueueClosed
	}
}

// TrySubmit queues w only if the shared queue has room.
func (p *Pool) TrySubmit(w Work) bool {
	if p.ctx.Err() != nil {
		return false
	}
	return p.queue.TryAdd(w)
}

// Barrier sends one item to every worker's personal queue and waits until all
// of them ran it. Work a worker picked up before the barrier has finished
// when Barrier returns.
func (p *Pool) Barrier(ctx context.Context) error {
	counter := NewSynchronizedCounter()
	inc := WorkFunc(func(context.Context) { counter.Inc() })

	for i, ch := range p.personal {
		select {
		case ch <- inc:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.ctx.Done():
			return fmt.Errorf("barrier on worker %d: %w", i, ErrQueueClosed)
		}
	}
	return counter.WaitForCount(ctx, len(p.personal))
}

func (p *Pool) worker(idx int) {
	defer p.wg.Done()
	personal := p.personal[idx]

	for {
		// Personal work first so barriers are not starved by a long queue.
		select {
		case w := <-personal:
			p.run(w)
			continue
		default:
		}

		select {
		case <-p.ctx.Done():
			return
		case w := <-personal:
			p.run(w)
		case w := <-p.queue.items:
			p.metrics.SetQueueDepth(p.name, p.queue.Len())
			p.run(w)
		}
	}
}

func (p *Pool) run(w Work) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("work item panicked")
		}
	}()
	w.Process(p.ctx)
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		p.logger.Debug().Dur("elapsed", elapsed).Msg("slow work item")
	}
}
