// Package pool provides a bounded goroutine pool for controlled fan-out.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool queue is full")
)

// Job is a unit of work.
type Job func(ctx context.Context) error

// Pool runs jobs on a fixed set of worker goroutines with a bounded queue.
// Broadcast fan-out uses it to cap concurrent deliveries.
type Pool struct {
	queue  chan jobWrapper
	closed atomic.Bool
	wg     sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

type jobWrapper struct {
	job Job
	ctx context.Context
}

// Config sizes the pool.
type Config struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Workers: 16, QueueSize: 256}
}

// New creates and starts a pool.
func New(config Config) *Pool {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}

	p := &Pool{queue: make(chan jobWrapper, config.QueueSize)}
	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues a job without waiting for it. Returns ErrPoolFull when
// the queue has no room, giving the caller backpressure instead of an
// unbounded goroutine. An accepted job runs exactly once, even when its
// context is already canceled at dequeue time; jobs that care must check
// ctx themselves. Callers may therefore attach completion accounting to
// the job closure.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.queue <- jobWrapper{job: job, ctx: ctx}:
		p.submitted.Add(1)
		return nil
	default:
		return ErrPoolFull
	}
}

// Stats returns submitted/completed/failed counters.
func (p *Pool) Stats() (submitted, completed, failed int64) {
	return p.submitted.Load(), p.completed.Load(), p.failed.Load()
}

// Close stops accepting jobs and waits for in-flight ones.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.queue)
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for w := range p.queue {
		if err := p.run(w); err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}
}

func (p *Pool) run(w jobWrapper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("job panicked")
		}
	}()
	return w.job(w.ctx)
}
