// Package worker runs background tasks on a bounded pool of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is one unit of background work. Run receives the pool context, which
// is cancelled on Stop after the queue drains or on Shutdown.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Stats reports the current state of the queue.
type Stats struct {
	Pending   int   `json:"pending"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Options configures the pool.
type Options struct {
	Workers   int
	QueueSize int
	Log       zerolog.Logger
}

// Pool manages the worker goroutines.
type Pool struct {
	tasks  chan Task
	opts   Options
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New creates a pool. The queue defaults to 16 slots.
func New(opts Options) *Pool {
	if opts.Workers < 0 {
		opts.Workers = 0
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		tasks:  make(chan Task, opts.QueueSize),
		opts:   opts,
		log:    opts.Log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Info().Int("workers", p.opts.Workers).Int("queue_size", p.opts.QueueSize).Msg("worker pool started")
}

// Stop closes the queue, lets workers drain it and waits for completion.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
	p.log.Info().
		Int64("completed", p.completed.Load()).
		Int64("failed", p.failed.Load()).
		Msg("worker pool stopped")
}

// Shutdown cancels running tasks, then stops the pool. Queued tasks still
// run with a cancelled context and are expected to fail fast.
func (p *Pool) Shutdown() {
	p.cancel()
	p.Stop()
}

// Submit adds a task to the queue. Returns false if the queue is full or the
// pool is stopped.
func (p *Pool) Submit(t Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	select {
	case p.tasks <- t:
		return true
	default:
		return false
	}
}

// Stats returns current queue statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		Pending:   len(p.tasks),
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// QueuePending returns the number of queued tasks.
func (p *Pool) QueuePending() int { return len(p.tasks) }

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int { return p.opts.Workers }

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", id).Logger()

	for t := range p.tasks {
		p.active.Add(1)
		err := p.run(t)
		p.active.Add(-1)
		if err != nil {
			p.failed.Add(1)
			log.Warn().Err(err).Str("task", t.Name).Msg("task failed")
		} else {
			p.completed.Add(1)
		}
	}
}

func (p *Pool) run(t Task) error {
	return Protect(func() error { return t.Run(p.ctx) })
}

// ErrPanic wraps a panic recovered by Protect.
var ErrPanic = errors.New("panic")

// Protect runs fn and returns a panic from it as an error wrapping ErrPanic.
// Tasks that own a job record call it around their body so the failure path
// still writes the record.
func Protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn()
}
