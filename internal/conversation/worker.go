// ABOUTME: Supervised worker pool for work that continues after a request is acknowledged
// ABOUTME: Bounded queue feeding a conc pool; panics are caught and reported to the task owner

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
)

// Worker pool errors
var (
	ErrPoolFull   = errors.New("worker queue full")
	ErrPoolClosed = errors.New("worker pool closed")
)

// Task is a unit of background work.
type Task struct {
	Name string
	Run  func(ctx context.Context)
	// Abandon runs if Run panics, so the owner can still record an outcome.
	Abandon func(recovered any)
}

// WorkerPool runs submitted tasks on at most maxWorkers goroutines.
type WorkerPool struct {
	mu     sync.RWMutex
	closed bool
	tasks  chan Task

	pool     *pool.Pool
	finished chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewWorkerPool starts a pool. Pass nil logger for default.
func NewWorkerPool(maxWorkers, queueSize int, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &WorkerPool{
		tasks:    make(chan Task, queueSize),
		pool:     pool.New().WithMaxGoroutines(maxWorkers),
		finished: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With("component", "workers"),
	}
	go w.dispatch()
	return w
}

// Submit queues t without blocking. It fails with ErrPoolFull when the queue
// is at capacity and ErrPoolClosed after Close.
func (w *WorkerPool) Submit(t Task) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return ErrPoolClosed
	}
	select {
	case w.tasks <- t:
		return nil
	default:
		return ErrPoolFull
	}
}

func (w *WorkerPool) dispatch() {
	for t := range w.tasks {
		w.pool.Go(func() {
			w.run(t)
		})
	}
	w.pool.Wait()
	close(w.finished)
}

func (w *WorkerPool) run(t Task) {
	var pc panics.Catcher
	pc.Try(func() {
		t.Run(w.ctx)
	})

	r := pc.Recovered()
	if r == nil {
		return
	}
	w.logger.Error("task panicked",
		"task", t.Name,
		"panic", r.Value,
		"stack", string(r.Stack))

	if t.Abandon == nil {
		return
	}
	var abandon panics.Catcher
	abandon.Try(func() {
		t.Abandon(r.Value)
	})
	if ar := abandon.Recovered(); ar != nil {
		w.logger.Error("task abandon handler panicked", "task", t.Name, "panic", ar.Value)
	}
}

// Close stops accepting tasks and waits for queued and running tasks to
// finish. If ctx expires first, tasks see their context cancelled; Close
// still waits for them to return, so whatever they record on the way out
// is written before the caller releases storage. It then returns ctx.Err().
func (w *WorkerPool) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.tasks)
	}
	w.mu.Unlock()

	select {
	case <-w.finished:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-w.finished
		return ctx.Err()
	}
}
