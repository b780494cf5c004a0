package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
	"github.com/jmoiron/sqlx"
	"scriptrunner/internal/models"
)

var (
	ErrNotFound         = errors.New("execution not found")
	ErrAlreadyRunning   = errors.New("execution is already running")
	ErrNotRunning       = errors.New("execution is not running")
	ErrStaleHandle      = errors.New("execution handle is no longer current")
	ErrTransitionDenied = errors.New("status transition denied")
	// ErrCancelPending means the execution was cancelled but its supervisor has not finished
	// stopping the script yet
	ErrCancelPending = errors.New("execution cancellation is still in progress")
)

// ExecutionStore is the durable home of execution records. Every state-changing write is a single
// conditional UPDATE so that concurrent writers (API, supervisor, reaper) cannot clobber each other.
type ExecutionStore struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// Create inserts a new record in the UPLOADED state
func (s *ExecutionStore) Create(ctx context.Context, owner, scriptPath string, now time.Time) (*models.Execution, error) {
	var id int64
	query := s.db.Rebind(`
INSERT INTO executions (owner, script_path, status, logs, created_at)
VALUES (?, ?, ?, '', ?)
RETURNING id`)
	if err := s.db.QueryRowxContext(ctx, query, owner, scriptPath, models.StatusUploaded, now.UTC()).Scan(&id); err != nil {
		return nil, fmt.Errorf("could not create execution: %w", err)
	}

	return s.Get(ctx, id)
}

func (s *ExecutionStore) Get(ctx context.Context, id int64) (*models.Execution, error) {
	var e models.Execution
	err := s.db.GetContext(ctx, &e, s.db.Rebind(`SELECT * FROM executions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %d: %w", id, ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	return &e, nil
}

// Status reads the status and the current execution handle. Supervisors call this on every poll
// iteration.
func (s *ExecutionStore) Status(ctx context.Context, id int64) (models.ExecutionStatus, null.String, error) {
	var row struct {
		Status models.ExecutionStatus `db:"status"`
		Handle null.String            `db:"execution_handle"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT status, execution_handle FROM executions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", null.String{}, fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	return row.Status, row.Handle, err
}

// AssignHandle records the token of a newly queued run request. A later assignment supersedes an
// earlier one, which turns any older queued request for the same record stale. A cancelled record
// still holding a handle is refused until its supervisor has finalized it.
func (s *ExecutionStore) AssignHandle(ctx context.Context, id int64, handle string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE executions
SET execution_handle = ?
WHERE id = ?
  AND status <> ?
  AND NOT (status = ? AND execution_handle IS NOT NULL)`), handle, id, models.StatusRunning, models.StatusCancelled)
	if err != nil {
		return err
	}
	return s.classifyMiss(ctx, id, res, func(e *models.Execution) error {
		if e.Status == models.StatusCancelled {
			return ErrCancelPending
		}
		return ErrAlreadyRunning
	})
}

// BeginRun claims the record for the holder of handle. It resets every per-run field and moves
// the record to RUNNING in one write, so two supervisors can never own the same record.
func (s *ExecutionStore) BeginRun(ctx context.Context, id int64, handle, workerID string, now time.Time) (*models.Execution, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE executions
SET status        = ?,
    logs          = '',
    error_message = NULL,
    exit_code     = NULL,
    started_at    = ?,
    completed_at  = NULL,
    worker_id     = ?,
    heartbeat_at  = ?,
    progress      = NULL
WHERE id = ?
  AND execution_handle = ?
  AND status <> ?`), models.StatusRunning, now, workerID, now, id, handle, models.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("could not begin run: %w", err)
	}

	err = s.classifyMiss(ctx, id, res, func(e *models.Execution) error {
		if e.Status == models.StatusRunning {
			return ErrAlreadyRunning
		}
		return ErrStaleHandle
	})
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, id)
}

// SaveLogs rewrites the accumulated log text and bumps the heartbeat. The write is accepted as
// long as the caller still holds the execution handle, which is also true after a cancel request.
func (s *ExecutionStore) SaveLogs(ctx context.Context, id int64, handle, logs string, progress null.String, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE executions
SET logs         = ?,
    progress     = ?,
    heartbeat_at = ?
WHERE id = ?
  AND execution_handle = ?`), logs, progress, now.UTC(), id, handle)
	if err != nil {
		return err
	}
	return s.classifyMiss(ctx, id, res, func(*models.Execution) error { return ErrStaleHandle })
}

// Complete persists a COMPLETED or FAILED outcome. It only applies while the record is still
// RUNNING under the same handle; a concurrent cancel therefore always wins.
func (s *ExecutionStore) Complete(ctx context.Context, id int64, handle string, t models.Terminal, now time.Time) error {
	if t.Status != models.StatusCompleted && t.Status != models.StatusFailed {
		return fmt.Errorf("%w: cannot complete with status %s", ErrTransitionDenied, t.Status)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE executions
SET status           = ?,
    error_message    = ?,
    exit_code        = ?,
    logs             = ?,
    completed_at     = ?,
    execution_handle = NULL
WHERE id = ?
  AND execution_handle = ?
  AND status = ?`),
		t.Status, t.ErrorMessage, t.ExitCode, t.Logs, now.UTC(), id, handle, models.StatusRunning)
	if err != nil {
		return err
	}
	return s.classifyMiss(ctx, id, res, func(*models.Execution) error { return ErrTransitionDenied })
}

// FinalizeCancelled writes the final logs of a cancelled run and releases the handle. The
// completion time set by the cancel request is preserved.
func (s *ExecutionStore) FinalizeCancelled(ctx context.Context, id int64, handle, logs string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE executions
SET status           = ?,
    logs             = ?,
    exit_code        = NULL,
    completed_at     = COALESCE(completed_at, ?),
    execution_handle = NULL
WHERE id = ?
  AND execution_handle = ?
  AND status IN (?, ?)`),
		models.StatusCancelled, logs, now.UTC(), id, handle, models.StatusRunning, models.StatusCancelled)
	if err != nil {
		return err
	}
	return s.classifyMiss(ctx, id, res, func(*models.Execution) error { return ErrTransitionDenied })
}

// RequestCancel is the single durable write behind a user's cancel request
func (s *ExecutionStore) RequestCancel(ctx context.Context, id int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE executions
SET status       = ?,
    completed_at = ?
WHERE id = ?
  AND status = ?`), models.StatusCancelled, now.UTC(), id, models.StatusRunning)
	if err != nil {
		return err
	}
	return s.classifyMiss(ctx, id, res, func(*models.Execution) error { return ErrNotRunning })
}

// FailRunning marks every RUNNING record FAILED. Used when a worker starts and no supervisor can
// be alive for those records any more.
func (s *ExecutionStore) FailRunning(ctx context.Context, message string, now time.Time) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`
UPDATE executions
SET status           = ?,
    error_message    = ?,
    completed_at     = ?,
    execution_handle = NULL
WHERE status = ?
RETURNING id`), models.StatusFailed, message, now.UTC(), models.StatusRunning)
	return ids, err
}

// FailExpiredHeartbeats marks RUNNING records whose last heartbeat is older than olderThan FAILED
func (s *ExecutionStore) FailExpiredHeartbeats(ctx context.Context, olderThan time.Time, message string, now time.Time) ([]int64, error) {
	olderThan = olderThan.UTC()

	var ids []int64
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`
UPDATE executions
SET status           = ?,
    error_message    = ?,
    completed_at     = ?,
    execution_handle = NULL
WHERE status = ?
  AND COALESCE(heartbeat_at, started_at) < ?
RETURNING id`), models.StatusFailed, message, now.UTC(), models.StatusRunning, olderThan)
	return ids, err
}

// ReleaseExpiredCancels drops the handle of cancelled records whose supervisor stopped
// heartbeating before it finalized them, so that they can be submitted again
func (s *ExecutionStore) ReleaseExpiredCancels(ctx context.Context, olderThan time.Time) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`
UPDATE executions
SET execution_handle = NULL
WHERE status = ?
  AND execution_handle IS NOT NULL
  AND COALESCE(heartbeat_at, started_at) < ?
RETURNING id`), models.StatusCancelled, olderThan.UTC())
	return ids, err
}

// ClearQueuedHandles invalidates run requests that were queued but never started
func (s *ExecutionStore) ClearQueuedHandles(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE executions
SET execution_handle = NULL
WHERE status <> ?
  AND execution_handle IS NOT NULL`), models.StatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *ExecutionStore) CountRunning(ctx context.Context, owner string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.db.Rebind(`
SELECT COUNT(*) FROM executions WHERE owner = ? AND status = ?`), owner, models.StatusRunning)
	return count, err
}

// classifyMiss turns a conditional update that touched no rows into ErrNotFound or the error
// produced by reason for the existing record.
func (s *ExecutionStore) classifyMiss(ctx context.Context, id int64, res sql.Result, reason func(*models.Execution) error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("execution %d (%s): %w", id, e.Status, reason(e))
}
