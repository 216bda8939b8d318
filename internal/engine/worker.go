package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rendis/flowrun/pkg/schema"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool runs keyed tasks with bounded concurrency. At most one task per
// key is in flight; a task waits for a free slot before its function runs.
// Every task context is cancelled by Shutdown.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]chan struct{}
	closed bool

	logger *slog.Logger
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	base, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		sem:    make(chan struct{}, size),
		base:   base,
		cancel: cancel,
		tasks:  make(map[string]chan struct{}),
		logger: slog.Default(),
	}
}

// SetLogger sets the logger used to report recovered task panics.
func (p *WorkerPool) SetLogger(l *slog.Logger) {
	if l != nil {
		p.logger = l
	}
}

// Submit schedules fn under key and returns without waiting for a slot.
// It returns CONFLICT when a task with the same key is queued or running,
// and ErrPoolShutdown after Shutdown. The task context keeps the values of
// ctx but not its cancellation.
func (p *WorkerPool) Submit(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	if _, busy := p.tasks[key]; busy {
		p.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "%s is already active", key)
	}
	done := make(chan struct{})
	p.tasks[key] = done
	// wg.Add(1) MUST be inside the lock to prevent race with Shutdown's wg.Wait().
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Queued, 1)
	p.mu.Unlock()

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(p.base, cancel)

	go func() {
		defer func() {
			stop()
			cancel()
			p.mu.Lock()
			delete(p.tasks, key)
			p.mu.Unlock()
			close(done)
			p.wg.Done()
		}()

		select {
		case p.sem <- struct{}{}:
		case <-taskCtx.Done():
			atomic.AddInt64(&p.metrics.Queued, -1)
			return
		}
		atomic.AddInt64(&p.metrics.Queued, -1)
		if p.base.Err() != nil || taskCtx.Err() != nil {
			<-p.sem
			return
		}
		atomic.AddInt64(&p.metrics.Active, 1)
		p.run(taskCtx, key, fn)
		atomic.AddInt64(&p.metrics.Active, -1)
		<-p.sem
	}()

	return nil
}

func (p *WorkerPool) run(ctx context.Context, key string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			atomic.AddInt64(&p.metrics.Failed, 1)
			p.logger.Error("worker: task panicked", "key", key, "panic", r)
		}
	}()
	if err := fn(ctx); err != nil {
		atomic.AddInt64(&p.metrics.Failed, 1)
		return
	}
	atomic.AddInt64(&p.metrics.Completed, 1)
}

// Busy reports whether a task with key is queued or running.
func (p *WorkerPool) Busy(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[key]
	return ok
}

// Done returns a channel closed when the task under key finishes. The
// channel is already closed when no such task exists.
func (p *WorkerPool) Done(key string) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.tasks[key]; ok {
		return ch
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Keys returns the keys of every queued or running task.
func (p *WorkerPool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.tasks))
	for k := range p.tasks {
		keys = append(keys, k)
	}
	return keys
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work, cancels every task context and waits for
// the tasks to return.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
