package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SigNoz/nexus-checkout/internal/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Executor runs tasks through their registered handler under a retry policy.
// A task that exhausts its attempts is logged and dropped.
type Executor struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	policy   RetryPolicy
	metrics  *metrics.AppMetrics
	logger   *zap.Logger
}

func NewExecutor(policy RetryPolicy, metrics *metrics.AppMetrics, logger *zap.Logger) *Executor {
	return &Executor{
		handlers: make(map[string]Handler),
		policy:   policy,
		metrics:  metrics,
		logger:   logger,
	}
}

// Register binds a handler to a task name
func (e *Executor) Register(name string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = h
}

// Execute runs task to completion. The returned error is the terminal outcome
// and has already been logged.
func (e *Executor) Execute(ctx context.Context, task Task) error {
	e.mu.RLock()
	h, ok := e.handlers[task.Name]
	e.mu.RUnlock()
	if !ok {
		e.giveUp(ctx, task, 0, ErrUnknownTask)
		return fmt.Errorf("%w: %s", ErrUnknownTask, task.Name)
	}

	attempts := 0
	err := e.policy.Run(ctx, func(attempt int) error {
		attempts = attempt
		return h(ctx, task)
	}, func(err error, wait time.Duration) {
		e.logger.Warn("retrying task",
			zap.String("task", task.Name),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		e.giveUp(ctx, task, attempts, err)
		return fmt.Errorf("task %s failed after %d attempts: %w", task.Name, attempts, err)
	}

	e.logger.Debug("task done", zap.String("task", task.Name), zap.Int("attempts", attempts))
	return nil
}

func (e *Executor) giveUp(ctx context.Context, task Task, attempts int, err error) {
	reason := "exhausted"
	switch {
	case errors.Is(err, ErrUnknownTask):
		reason = "unknown_task"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		reason = "cancelled"
	}

	e.logger.Error("giving up on task",
		zap.String("task", task.Name),
		zap.Int("attempts", attempts),
		zap.String("reason", reason),
		zap.Error(err),
	)
	e.metrics.Count(ctx, e.metrics.TasksGivenUp,
		attribute.String("task", task.Name),
		attribute.String("reason", reason),
	)
}
