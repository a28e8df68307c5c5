package tasks

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher is an in-process Queue backed by a fixed pool of workers. Enqueue
// never blocks: when the buffer is full the task is refused.
type Dispatcher struct {
	executor *Executor
	logger   *zap.Logger
	tasks    chan Task
	workers  int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	// detached from request contexts so work outlives the request
	ctx    context.Context
	cancel context.CancelFunc
}

func NewDispatcher(executor *Executor, workers, buffer int, logger *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		executor: executor,
		logger:   logger,
		tasks:    make(chan Task, buffer),
		workers:  workers,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the workers
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	d.logger.Info("task dispatcher started", zap.Int("workers", d.workers), zap.Int("buffer", cap(d.tasks)))
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for task := range d.tasks {
		// the terminal outcome is logged by the executor
		_ = d.executor.Execute(d.ctx, task)
	}
}

// Enqueue hands task to a worker
func (d *Dispatcher) Enqueue(_ context.Context, task Task) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrQueueClosed
	}
	select {
	case d.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish. When ctx
// ends first, in-flight retries are cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.tasks)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
