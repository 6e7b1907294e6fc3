// Package taskpg persists tasks and their outcomes in Postgres.
package taskpg

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mgrif/pageforge/internal/task"
)

var (
	// ErrTaskExists is returned by CreateTask when a task with the same
	// derived id is already stored. Concurrent submissions of the same
	// (email, task, round, nonce) converge on it through the primary key.
	ErrTaskExists = errors.New("task exists")
	// ErrTaskNotFound is returned when no task has the given id.
	ErrTaskNotFound = errors.New("task not found")
)

type Database struct {
	pool *pgxpool.Pool // required
}

func NewDatabase(pool *pgxpool.Pool) *Database {
	return &Database{pool: pool}
}

func (d *Database) CreateTask(ctx context.Context, t *task.Task) error {
	query := `
		INSERT INTO tasks (id, email, name, round, nonce, brief, checks, attachments, evaluation_url, status)
		VALUES ($1, $2, $3, $4, $5, $6, coalesce($7, '{}'), coalesce($8, '[]'::jsonb), $9, $10)
		RETURNING id
	`
	args := []any{t.ID, t.Email, t.Name, t.Round, t.Nonce, t.Brief, t.Checks, t.Attachments, t.EvaluationURL, task.StatusReceived}

	rows, _ := d.pool.Query(ctx, query, args...)
	_, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			err = ErrTaskExists
		}
		return fmt.Errorf("taskpg.Database: %w", err)
	}

	return nil
}

func (d *Database) GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	query := `
		SELECT id, email, name, round, nonce, brief, checks, attachments, evaluation_url
		FROM tasks
		WHERE id = $1
	`
	args := []any{id}

	rows, _ := d.pool.Query(ctx, query, args...)
	t, err := pgx.CollectExactlyOneRow(rows, rowToTask)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrTaskNotFound
		}
		return nil, fmt.Errorf("taskpg.Database: %w", err)
	}

	return t, nil
}

func (d *Database) GetTaskStatus(ctx context.Context, id uuid.UUID) (task.Status, error) {
	query := `
		SELECT status
		FROM tasks
		WHERE id = $1
	`
	args := []any{id}

	rows, _ := d.pool.Query(ctx, query, args...)
	s, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[string])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrTaskNotFound
		}
		return "", fmt.Errorf("taskpg.Database: %w", err)
	}

	status, known := task.StatusFromString(s)
	if !known {
		return "", fmt.Errorf("taskpg.Database: unknown status %q", s)
	}
	return status, nil
}

func (d *Database) UpdateTaskStatus(ctx context.Context, id uuid.UUID, status task.Status) error {
	query := `
		UPDATE tasks
		SET status = $1, updated_at = now()
		WHERE id = $2
		RETURNING id
	`
	args := []any{status, id}

	rows, _ := d.pool.Query(ctx, query, args...)
	_, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrTaskNotFound
		}
		return fmt.Errorf("taskpg.Database: %w", err)
	}

	return nil
}

// FinishTask records the terminal outcome: the final status, the error
// classification for failures, the deployment for successes, and whether
// the evaluation callback was delivered.
func (d *Database) FinishTask(ctx context.Context, outcome *task.Outcome) error {
	query := `
		UPDATE tasks
		SET status = $1,
		    error_kind = $2,
		    error_detail = $3,
		    repo_url = $4,
		    pages_url = $5,
		    commit_sha = $6,
		    pages_status = $7,
		    notified = $8,
		    updated_at = now()
		WHERE id = $9
		RETURNING id
	`
	var repoURL, pagesURL, commitSHA, pagesStatus *string
	if dep := outcome.Deployment; dep != nil {
		repoURL = &dep.RepoURL
		pagesURL = &dep.PagesURL
		commitSHA = &dep.CommitSHA
		s := string(dep.PagesStatus)
		pagesStatus = &s
	}
	args := []any{outcome.Status, outcome.ErrorKind, outcome.ErrorDetail, repoURL, pagesURL, commitSHA, pagesStatus, outcome.Notified, outcome.TaskID}

	rows, _ := d.pool.Query(ctx, query, args...)
	_, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrTaskNotFound
		}
		return fmt.Errorf("taskpg.Database: %w", err)
	}

	return nil
}

// GetOutcome reads back the terminal record for a task. It returns
// ErrTaskNotFound when the task does not exist and an outcome with the
// current status when the task has not finished yet.
func (d *Database) GetOutcome(ctx context.Context, id uuid.UUID) (*task.Outcome, error) {
	query := `
		SELECT id, status, error_kind, error_detail, repo_url, pages_url, commit_sha, pages_status, notified
		FROM tasks
		WHERE id = $1
	`
	args := []any{id}

	rows, _ := d.pool.Query(ctx, query, args...)
	o, err := pgx.CollectExactlyOneRow(rows, rowToOutcome)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrTaskNotFound
		}
		return nil, fmt.Errorf("taskpg.Database: %w", err)
	}

	return o, nil
}

func rowToTask(collectableRow pgx.CollectableRow) (*task.Task, error) {
	type row struct {
		ID            uuid.UUID         `db:"id"`
		Email         string            `db:"email"`
		Name          string            `db:"name"`
		Round         int               `db:"round"`
		Nonce         string            `db:"nonce"`
		Brief         string            `db:"brief"`
		Checks        []string          `db:"checks"`
		Attachments   []task.Attachment `db:"attachments"`
		EvaluationURL string            `db:"evaluation_url"`
	}
	collectedRow, err := pgx.RowToStructByName[row](collectableRow)
	if err != nil {
		return nil, err
	}

	t := &task.Task{
		ID:            collectedRow.ID,
		Email:         collectedRow.Email,
		Name:          collectedRow.Name,
		Round:         collectedRow.Round,
		Nonce:         collectedRow.Nonce,
		Brief:         collectedRow.Brief,
		Checks:        collectedRow.Checks,
		Attachments:   collectedRow.Attachments,
		EvaluationURL: collectedRow.EvaluationURL,
	}
	return t, nil
}

func rowToOutcome(collectableRow pgx.CollectableRow) (*task.Outcome, error) {
	type row struct {
		ID          uuid.UUID `db:"id"`
		Status      string    `db:"status"`
		ErrorKind   string    `db:"error_kind"`
		ErrorDetail string    `db:"error_detail"`
		RepoURL     *string   `db:"repo_url"`
		PagesURL    *string   `db:"pages_url"`
		CommitSHA   *string   `db:"commit_sha"`
		PagesStatus *string   `db:"pages_status"`
		Notified    bool      `db:"notified"`
	}
	collectedRow, err := pgx.RowToStructByName[row](collectableRow)
	if err != nil {
		return nil, err
	}

	status, known := task.StatusFromString(collectedRow.Status)
	if !known {
		return nil, fmt.Errorf("unknown status %q", collectedRow.Status)
	}
	o := &task.Outcome{
		TaskID:      collectedRow.ID,
		Status:      status,
		ErrorKind:   task.ErrorKind(collectedRow.ErrorKind),
		ErrorDetail: collectedRow.ErrorDetail,
		Notified:    collectedRow.Notified,
	}
	if collectedRow.RepoURL != nil {
		o.Deployment = &task.Deployment{RepoURL: *collectedRow.RepoURL}
		if collectedRow.CommitSHA != nil {
			o.Deployment.CommitSHA = *collectedRow.CommitSHA
		}
		if collectedRow.PagesURL != nil {
			o.Deployment.PagesURL = *collectedRow.PagesURL
		}
		if collectedRow.PagesStatus != nil {
			o.Deployment.PagesStatus = task.PagesStatus(*collectedRow.PagesStatus)
		}
	}
	return o, nil
}
