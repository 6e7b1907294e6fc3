// Package pipeline sequences the task pipeline Generate → Publish → Notify,
// applies each step's retry policy, and records the terminal outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mgrif/pageforge/internal/generate"
	"github.com/mgrif/pageforge/internal/notify"
	"github.com/mgrif/pageforge/internal/retry"
	"github.com/mgrif/pageforge/internal/task"
)

var (
	// ErrAlreadyDone is returned when the task already reached a terminal
	// state, e.g. because a queue redelivery raced a finished run.
	ErrAlreadyDone = errors.New("already done")
)

type Generator interface {
	Generate(ctx context.Context, params *generate.GenerateParams) (task.FileSet, error)
}

type Publisher interface {
	Publish(ctx context.Context, t *task.Task, files task.FileSet) (*task.Deployment, error)
}

type Notifier interface {
	Notify(ctx context.Context, t *task.Task, outcome *task.Outcome) (*notify.Result, error)
}

// Database persists task state transitions and outcomes.
type Database interface {
	GetTaskStatus(ctx context.Context, id uuid.UUID) (task.Status, error)
	UpdateTaskStatus(ctx context.Context, id uuid.UUID, status task.Status) error
	FinishTask(ctx context.Context, outcome *task.Outcome) error
}

// Archiver snapshots generated file sets for audit. Archival is
// best-effort: a failed snapshot never fails the task.
type Archiver interface {
	Archive(ctx context.Context, id uuid.UUID, files task.FileSet) error
}

// Runner owns the task lifecycle. Each Run processes one task
// independently; concurrent runs share nothing but read-only
// configuration and the database.
type Runner struct {
	Generator Generator // required
	Publisher Publisher // required
	Notifier  Notifier  // required
	Database  Database  // required
	Archiver  Archiver  // optional

	GeneratePolicy retry.Policy
	PublishPolicy  retry.Policy
	Logger         *slog.Logger
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Run executes the pipeline for one task and returns its terminal outcome.
// Step failures inside the retry budgets are handled here and become a
// failed outcome; the returned error is reserved for infrastructure
// failures (persistence, context cancellation) that prevent reaching a
// terminal state at all.
func (r *Runner) Run(ctx context.Context, t *task.Task) (*task.Outcome, error) {
	log := r.logger().With("task_id", t.ID)

	status, err := r.Database.GetTaskStatus(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("pipeline.Runner: %w", err)
	}
	if status.Terminal() {
		return nil, fmt.Errorf("pipeline.Runner: %w", ErrAlreadyDone)
	}

	// Generate.
	if err = r.Database.UpdateTaskStatus(ctx, t.ID, task.StatusGenerating); err != nil {
		return nil, fmt.Errorf("pipeline.Runner: %w", err)
	}
	previousFailure := ""
	files, genErr := retry.Do(ctx, r.GeneratePolicy, func(ctx context.Context, attempt int) (task.FileSet, error) {
		files, err := r.Generator.Generate(ctx, &generate.GenerateParams{Task: t, PreviousFailure: previousFailure})
		if err != nil {
			log.Warn("generation attempt failed", "attempt", attempt, "err", err)
			previousFailure = err.Error()
			return nil, err
		}
		return files, nil
	})
	if genErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("pipeline.Runner: %w", ctx.Err())
		}
		return r.finish(ctx, t, &task.Outcome{
			TaskID:      t.ID,
			Status:      task.StatusFailed,
			ErrorKind:   task.ErrorGenerationFailed,
			ErrorDetail: genErr.Error(),
		})
	}

	if r.Archiver != nil {
		if err = r.Archiver.Archive(ctx, t.ID, files); err != nil {
			log.Warn("didn't archive file set", "err", err)
		}
	}

	// Publish.
	if err = r.Database.UpdateTaskStatus(ctx, t.ID, task.StatusPublishing); err != nil {
		return nil, fmt.Errorf("pipeline.Runner: %w", err)
	}
	deployment, pubErr := retry.Do(ctx, r.PublishPolicy, func(ctx context.Context, attempt int) (*task.Deployment, error) {
		d, err := r.Publisher.Publish(ctx, t, files)
		if err != nil {
			log.Warn("publish attempt failed", "attempt", attempt, "err", err)
			return nil, err
		}
		return d, nil
	})
	if pubErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("pipeline.Runner: %w", ctx.Err())
		}
		return r.finish(ctx, t, &task.Outcome{
			TaskID:      t.ID,
			Status:      task.StatusFailed,
			ErrorKind:   task.ErrorPublishFailed,
			ErrorDetail: pubErr.Error(),
		})
	}

	return r.finish(ctx, t, &task.Outcome{
		TaskID:     t.ID,
		Status:     task.StatusSucceeded,
		Deployment: deployment,
	})
}

// finish delivers the outcome to the evaluation callback and persists the
// terminal record. Delivery failure flips nothing but Notified: the task's
// terminal status is already decided.
func (r *Runner) finish(ctx context.Context, t *task.Task, outcome *task.Outcome) (*task.Outcome, error) {
	log := r.logger().With("task_id", t.ID)

	if err := r.Database.UpdateTaskStatus(ctx, t.ID, task.StatusNotifying); err != nil {
		return nil, fmt.Errorf("pipeline.Runner: %w", err)
	}

	if t.EvaluationURL != "" {
		res, err := r.Notifier.Notify(ctx, t, outcome)
		if err != nil {
			log.Warn("didn't deliver outcome", "err", err)
		}
		outcome.Notified = res != nil && res.Delivered
	}

	if err := r.Database.FinishTask(ctx, outcome); err != nil {
		return nil, fmt.Errorf("pipeline.Runner: %w", err)
	}

	log.Info("task finished",
		"status", outcome.Status,
		"error_kind", outcome.ErrorKind,
		"notified", outcome.Notified)
	return outcome, nil
}
