// ============================================================================
// Delegate Worker Pool - bounded task executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: Run acquired tasks on a fixed number of goroutines
//
// Architecture:
//   ┌─────────────┐
//   │ Dispatcher  │ --Submit()--> taskCh
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool(buffer)   - create the pool and its buffered task channel
//   2. Start(n)          - start n worker goroutines
//   3. Submit(task)      - enqueue, blocks while the buffer is full
//   4. Stop(grace)       - refuse new tasks, let queued and running tasks finish,
//                          give up after grace
//
// Results are not collected here. Each task reports its own result, the pool only
// owns goroutines.
//
// Concurrency:
//   - Submit holds the read lock while sending, Stop closes stopCh first so that
//     blocked submitters return, then takes the write lock before closing taskCh.
//     A send on a closed channel cannot happen.
//
// ============================================================================

package worker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/delegate-agent/internal/logctx"
)

var (
	// ErrPoolClosed is returned by Submit after Stop
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned by Submit before Start
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrShutdownTimeout is returned by Stop when tasks outlive the grace period
	ErrShutdownTimeout = errors.New("worker pool shutdown timed out")
)

// Pool runs tasks on a fixed set of workers
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewPool creates a pool whose task queue holds bufferSize tasks
func NewPool(bufferSize int) *Pool {
	return &Pool{
		workers: make([]*Worker, 0),
		taskCh:  make(chan Task, bufferSize),
		stopCh:  make(chan struct{}),
		logger:  slog.Default().With("component", "worker_pool"),
	}
}

// WithLogger replaces the pool logger. Call before Start.
func (p *Pool) WithLogger(logger *slog.Logger) *Pool {
	if logger != nil {
		p.logger = logger.With("component", "worker_pool")
	}
	return p
}

// Start launches workerCount workers
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount <= 0 {
		return errors.New("worker count must be positive")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, p.logger)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	p.logger.Info("worker pool started", "workers", workerCount, "queue", cap(p.taskCh))
	return nil
}

// Submit enqueues a task. It blocks while the queue is full and returns ErrPoolClosed
// if the pool stops in the meantime.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// Stop refuses new tasks and waits up to grace for queued and running tasks.
// Tasks still running after grace are abandoned and ErrShutdownTimeout is returned.
func (p *Pool) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if grace <= 0 {
		<-done
		return nil
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-timer.C:
		p.logger.Warn("worker pool did not drain within grace period", "grace", grace, "queued", p.Queued())
		for _, busy := range p.Busy() {
			p.logger.Warn("task abandoned at shutdown", busy.Attrs()...)
		}
		return ErrShutdownTimeout
	}
}

// Busy returns the diagnostic fields of every task currently running
func (p *Pool) Busy() []logctx.Fields {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []logctx.Fields
	for _, w := range p.workers {
		if f := w.Fields(); f != nil {
			out = append(out, f)
		}
	}
	return out
}

// GetWorkerCount returns the number of started workers
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

// Queued returns the number of tasks waiting for a worker
func (p *Pool) Queued() int {
	return len(p.taskCh)
}
