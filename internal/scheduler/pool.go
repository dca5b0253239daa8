package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// PoolStats counts pool activity since creation.
type PoolStats struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("scheduler pool is shut down")

// Pool bounds how many scheduled jobs and deferral resumptions run at once.
// Submit blocks while the pool is full.
type Pool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	stats  PoolStats
	logger *slog.Logger

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewPool creates a pool with the given max concurrency.
func NewPool(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		sem:    make(chan struct{}, size),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Submit runs fn on a pool goroutine. name identifies the work in logs.
func (p *Pool) Submit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.stats.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.stats.Panics, 1)
				atomic.AddInt64(&p.stats.Failed, 1)
				p.logger.ErrorContext(ctx, "scheduled work panicked", "work", name, "panic", r)
			}
			atomic.AddInt64(&p.stats.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.stats.Failed, 1)
			p.logger.WarnContext(ctx, "scheduled work failed", "work", name, "error", err)
			return
		}
		atomic.AddInt64(&p.stats.Completed, 1)
	}()
	return nil
}

// Wait blocks until all submitted work completes.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new work and waits for running work to finish. It is safe
// to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Active:    atomic.LoadInt64(&p.stats.Active),
		Completed: atomic.LoadInt64(&p.stats.Completed),
		Failed:    atomic.LoadInt64(&p.stats.Failed),
		Panics:    atomic.LoadInt64(&p.stats.Panics),
	}
}
