package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/x-mirror/internal/models"
	"github.com/x-mirror/internal/types"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// DenyReason explains why a lease was not granted
type DenyReason string

const (
	DenyRunning   DenyReason = "running"
	DenyRetryWait DenyReason = "retry_wait"
)

// AcquireParams are the inputs of one lease acquisition
type AcquireParams struct {
	Now               time.Time
	StaleAfter        time.Duration
	Payload           json.RawMessage // nil keeps the stored payload
	Progress          json.RawMessage // nil keeps (or clears, with ResetProgress) the stored progress
	ResetProgress     bool
	IgnoreRetryWindow bool
}

// AcquireResult is the outcome of an acquisition with the row as it was
// left by the transaction
type AcquireResult struct {
	Acquired bool
	Reason   DenyReason
	Run      *models.TaskRun
}

// TaskRunRepository persists task lease rows
type TaskRunRepository struct {
	db *Store
}

// NewTaskRunRepository creates a new task run repository
func NewTaskRunRepository(db *Store) *TaskRunRepository {
	return &TaskRunRepository{db: db}
}

const taskRunColumns = `
	task_key, status, payload_json, progress_json, result_json, last_error,
	attempt, next_retry_at, heartbeat_at, started_at, finished_at, updated_at`

func scanTaskRun(row interface{ Scan(...interface{}) error }) (*models.TaskRun, error) {
	var (
		run                                     models.TaskRun
		status                                  string
		payload, progress, result, lastErr      sql.NullString
		nextRetry, heartbeat, started, finished sql.NullInt64
		updated                                 int64
	)
	if err := row.Scan(
		&run.TaskKey, &status, &payload, &progress, &result, &lastErr,
		&run.Attempt, &nextRetry, &heartbeat, &started, &finished, &updated,
	); err != nil {
		return nil, err
	}
	run.Status = types.TaskStatus(status)
	run.Payload = fromNullJSON(payload)
	run.Progress = fromNullJSON(progress)
	run.Result = fromNullJSON(result)
	run.LastError = fromNullString(lastErr)
	run.NextRetryAt = fromNullMillis(nextRetry)
	run.HeartbeatAt = fromNullMillis(heartbeat)
	run.StartedAt = fromNullMillis(started)
	run.FinishedAt = fromNullMillis(finished)
	run.UpdatedAt = fromMillis(updated)
	return &run, nil
}

func (r *TaskRunRepository) get(ctx context.Context, q queryer, key string, lock bool) (*models.TaskRun, error) {
	query := `SELECT ` + taskRunColumns + ` FROM task_runs WHERE task_key = ?`
	if lock {
		query += r.db.forUpdate()
	}
	run, err := scanTaskRun(q.QueryRowContext(ctx, r.db.rebind(query), key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task run %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task run: %w", err)
	}
	return run, nil
}

// Acquire tries to take the lease of key in a single transaction. The row is
// created idle on first use. A running row whose heartbeat is newer than
// Now-StaleAfter denies with DenyRunning; a pending retry deadline denies
// with DenyRetryWait unless IgnoreRetryWindow is set.
func (r *TaskRunRepository) Acquire(ctx context.Context, key string, p AcquireParams) (*AcquireResult, error) {
	now := toMillis(p.Now)
	var result *AcquireResult

	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.db.rebind(`
			INSERT INTO task_runs (task_key, status, attempt, updated_at)
			VALUES (?, 'idle', 0, ?)
			ON CONFLICT (task_key) DO NOTHING
		`), key, now); err != nil {
			return fmt.Errorf("failed to ensure task run: %w", err)
		}

		current, err := r.get(ctx, tx, key, true)
		if err != nil {
			return err
		}

		if current.IsLive(p.Now, p.StaleAfter) {
			result = &AcquireResult{Reason: DenyRunning, Run: current}
			return nil
		}
		if !p.IgnoreRetryWindow && current.NextRetryAt != nil && current.NextRetryAt.After(p.Now) {
			result = &AcquireResult{Reason: DenyRetryWait, Run: current}
			return nil
		}

		payload := current.Payload
		if p.Payload != nil {
			payload = p.Payload
		}
		progress := current.Progress
		switch {
		case p.Progress != nil:
			progress = p.Progress
		case p.ResetProgress:
			progress = nil
		}

		if _, err := tx.ExecContext(ctx, r.db.rebind(`
			UPDATE task_runs
			SET status = 'running',
				payload_json = ?,
				progress_json = ?,
				attempt = ?,
				next_retry_at = NULL,
				last_error = NULL,
				heartbeat_at = ?,
				started_at = ?,
				finished_at = NULL,
				updated_at = ?
			WHERE task_key = ?
		`), nullJSON(payload), nullJSON(progress), current.Attempt+1, now, now, now, key); err != nil {
			return fmt.Errorf("failed to acquire task run: %w", err)
		}

		next, err := r.get(ctx, tx, key, false)
		if err != nil {
			return err
		}
		result = &AcquireResult{Acquired: true, Run: next}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Touch records a heartbeat. Progress is only replaced when non-nil.
func (r *TaskRunRepository) Touch(ctx context.Context, key string, progress json.RawMessage, now time.Time) error {
	_, err := r.db.db.ExecContext(ctx, r.db.rebind(`
		UPDATE task_runs
		SET heartbeat_at = ?,
			updated_at = ?,
			progress_json = COALESCE(?, progress_json)
		WHERE task_key = ?
	`), toMillis(now), toMillis(now), nullJSON(progress), key)
	if err != nil {
		return fmt.Errorf("failed to touch task run: %w", err)
	}
	return nil
}

// Succeed marks the run successful and stores its result
func (r *TaskRunRepository) Succeed(ctx context.Context, key string, result, progress json.RawMessage, now time.Time) error {
	ms := toMillis(now)
	_, err := r.db.db.ExecContext(ctx, r.db.rebind(`
		UPDATE task_runs
		SET status = 'success',
			result_json = ?,
			progress_json = COALESCE(?, progress_json),
			next_retry_at = NULL,
			last_error = NULL,
			heartbeat_at = ?,
			finished_at = ?,
			updated_at = ?
		WHERE task_key = ?
	`), nullJSON(result), nullJSON(progress), ms, ms, ms, key)
	if err != nil {
		return fmt.Errorf("failed to complete task run: %w", err)
	}
	return nil
}

// Fail marks the run failed, recording the error and the earliest time the
// next acquisition may be granted. Progress is kept unless replaced.
func (r *TaskRunRepository) Fail(ctx context.Context, key string, message string, nextRetryAt *time.Time, progress json.RawMessage, now time.Time) error {
	ms := toMillis(now)
	_, err := r.db.db.ExecContext(ctx, r.db.rebind(`
		UPDATE task_runs
		SET status = 'failed',
			last_error = ?,
			next_retry_at = ?,
			progress_json = COALESCE(?, progress_json),
			heartbeat_at = ?,
			finished_at = ?,
			updated_at = ?
		WHERE task_key = ?
	`), message, nullMillis(nextRetryAt), nullJSON(progress), ms, ms, ms, key)
	if err != nil {
		return fmt.Errorf("failed to fail task run: %w", err)
	}
	return nil
}

// Get returns the row of key or ErrNotFound
func (r *TaskRunRepository) Get(ctx context.Context, key string) (*models.TaskRun, error) {
	return r.get(ctx, r.db.db, key, false)
}

// List returns the rows of the given keys that exist
func (r *TaskRunRepository) List(ctx context.Context, keys []string) ([]*models.TaskRun, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := r.db.db.QueryContext(ctx, r.db.rebind(
		`SELECT `+taskRunColumns+` FROM task_runs WHERE task_key IN (`+placeholders(len(keys))+`) ORDER BY task_key`,
	), stringArgs(keys)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.TaskRun
	for rows.Next() {
		run, err := scanTaskRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
