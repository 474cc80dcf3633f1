package delegation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrStalled is returned by Runner.Run when pending tasks remain that can
// never be selected, for example because a dependency failed.
var ErrStalled = errors.New("delegation stalled: pending tasks have unsatisfiable dependencies")

// WorkFunc executes one task. A returned error fails the attempt; it is
// retried while the task's retry budget allows.
type WorkFunc func(ctx context.Context, task Task) error

// PermanentError wraps an error that must not be retried.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Runner drives an Engine with a fixed pool of workers until the work
// matching Roles is drained.
type Runner struct {
	Engine  *Engine
	Workers int
	Roles   []string
	// Backoff is the pause between polls when no task is selectable.
	Backoff time.Duration
	Logger  *zap.Logger
}

// Run blocks until every matching task is completed or failed, ctx is done,
// or the queue stalls.
func (r *Runner) Run(ctx context.Context, work WorkFunc) error {
	if r.Engine == nil {
		return errors.New("runner: nil engine")
	}
	workers := r.Workers
	if workers < 1 {
		workers = r.Engine.MaxConcurrency()
	}
	backoff := r.Backoff
	if backoff <= 0 {
		backoff = 10 * time.Millisecond
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		worker := i
		g.Go(func() error {
			return r.loop(gctx, worker, backoff, logger, work)
		})
	}
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, worker int, backoff time.Duration, logger *zap.Logger, work WorkFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		task, state := r.Engine.Poll(r.Roles...)
		switch state {
		case Drained:
			return nil
		case Stalled:
			return ErrStalled
		case Wait:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}

		err := r.execute(ctx, task, work)
		switch {
		case err == nil:
			r.Engine.MarkCompleted(task.ID)
		case ctx.Err() != nil:
			r.Engine.Reset(task.ID)
			return ctx.Err()
		default:
			var perm *PermanentError
			retry := !errors.As(err, &perm)
			logger.Debug("task attempt failed",
				zap.Int("worker", worker),
				zap.String("task_id", task.ID),
				zap.Bool("retry", retry),
				zap.Error(err))
			r.Engine.MarkFailed(task.ID, err.Error(), retry)
		}
	}
}

func (r *Runner) execute(ctx context.Context, task Task, work WorkFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = Permanent(fmt.Errorf("task %s panicked: %v", task.ID, p))
		}
	}()
	return work(ctx, task)
}
