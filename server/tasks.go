package server

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultTaskTimeout bounds a single background task. Persisting a large
// chunked body is the slowest task we run, so the bound is generous.
const defaultTaskTimeout = 2 * time.Minute

// TaskRunner runs work after the response has been written: cache
// persistence, TTL renewal, and signed-URL refresh. Tasks get a context
// detached from the request so client disconnects do not cancel them,
// but bounded by a timeout so a stuck upstream cannot leak goroutines.
type TaskRunner struct {
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// TaskRunnerOption configures a TaskRunner.
type TaskRunnerOption func(*TaskRunner)

// WithTaskTimeout sets the per-task deadline.
func WithTaskTimeout(d time.Duration) TaskRunnerOption {
	return func(t *TaskRunner) {
		t.timeout = d
	}
}

// WithTaskLogger sets the logger.
func WithTaskLogger(logger *slog.Logger) TaskRunnerOption {
	return func(t *TaskRunner) {
		t.logger = logger.With("component", "tasks")
	}
}

// NewTaskRunner creates a task runner.
func NewTaskRunner(opts ...TaskRunnerOption) *TaskRunner {
	t := &TaskRunner{
		logger:  slog.Default().With("component", "tasks"),
		timeout: defaultTaskTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Submit runs fn in a goroutine with a context that survives cancellation
// of ctx but keeps its values, so telemetry tags still resolve inside the
// task. Panics are recovered and logged rather than taking the server down.
func (t *TaskRunner) Submit(ctx context.Context, name string, fn func(ctx context.Context)) {
	detached := context.WithoutCancel(ctx)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("background task panicked", "task", name, "panic", r)
			}
		}()

		taskCtx, cancel := context.WithTimeout(detached, t.timeout)
		defer cancel()

		fn(taskCtx)
	}()
}

// Wait blocks until every submitted task has finished or ctx expires.
// Used during graceful shutdown so in-flight persistence completes.
func (t *TaskRunner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
