package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("not found")

const taskColumns = `id, type, status, parent_id, payload, result_summary, error_message, retry_count, created_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	task := &Task{}
	err := row.Scan(&task.ID, &task.Type, &task.Status, &task.ParentID,
		&task.Payload, &task.ResultSummary, &task.ErrorMessage, &task.RetryCount,
		&task.CreatedAt, &task.StartedAt, &task.FinishedAt)
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (db *DB) queryTasks(query string, args ...any) ([]*Task, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CreateTask inserts a new task. Status defaults to pending when unset.
func (db *DB) CreateTask(task *Task) error {
	if task.Status == "" {
		task.Status = StatusPending
	}
	if !task.Type.Valid() {
		return fmt.Errorf("unknown task type %q", task.Type)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	var id int64
	err := withRetry(func() error {
		res, err := db.conn.Exec(`
			INSERT INTO tasks (type, status, parent_id, payload, result_summary, error_message, retry_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, task.Type, task.Status, task.ParentID, task.Payload, task.ResultSummary, task.ErrorMessage, task.RetryCount, task.CreatedAt)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return err
	}
	task.ID = id
	return nil
}

// GetTask retrieves a task by ID.
func (db *DB) GetTask(id int64) (*Task, error) {
	task, err := scanTask(db.conn.QueryRow(
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return task, err
}

// TaskExists reports whether a task row with the given id exists.
func (db *DB) TaskExists(id int64) (bool, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(1) FROM tasks WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

// ListTasks retrieves all tasks, newest first.
func (db *DB) ListTasks() ([]*Task, error) {
	return db.queryTasks(`SELECT ` + taskColumns + ` FROM tasks ORDER BY id DESC`)
}

// TasksByStatus retrieves tasks in the given status, oldest first so that
// dispatch favors older work.
func (db *DB) TasksByStatus(status TaskStatus) ([]*Task, error) {
	return db.queryTasks(
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY id ASC`, status)
}

// DispatchableTasks returns pending tasks eligible for the dispatch scan.
// Batch parents are excluded (their status is owned by the cascade) and so
// are schedule template tasks, which exist only to be cloned per firing.
func (db *DB) DispatchableTasks() ([]*Task, error) {
	return db.queryTasks(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND type != ?
		  AND id NOT IN (SELECT task_id FROM task_schedules)
		ORDER BY id ASC
	`, StatusPending, TypeBatch)
}

// ChildTasks retrieves all tasks whose parent_id is parentID.
func (db *DB) ChildTasks(parentID int64) ([]*Task, error) {
	return db.queryTasks(
		`SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY id ASC`, parentID)
}

// ClaimTask atomically transitions a pending task to running. The affected
// row count is the claim test: false means another path won the race and the
// caller must drop the attempt.
func (db *DB) ClaimTask(id int64, now time.Time) (bool, error) {
	affected, err := db.exec(`
		UPDATE tasks SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, StatusRunning, now.UTC(), id, StatusPending)
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// CompleteTask records a successful execution. The error message from any
// prior failed attempt is cleared only here, after a successful re-attempt.
func (db *DB) CompleteTask(id int64, summary string, now time.Time) error {
	_, err := db.exec(`
		UPDATE tasks SET status = ?, result_summary = ?, error_message = '', finished_at = ?
		WHERE id = ? AND status = ?
	`, StatusCompleted, summary, now.UTC(), id, StatusRunning)
	return err
}

// FailTask records a failed execution and consumes one retry attempt.
func (db *DB) FailTask(id int64, errMsg string, now time.Time) error {
	_, err := db.exec(`
		UPDATE tasks SET status = ?, error_message = ?, retry_count = retry_count + 1, finished_at = ?
		WHERE id = ? AND status = ?
	`, StatusError, errMsg, now.UTC(), id, StatusRunning)
	return err
}

// MarkTaskError forces a task into error without it having run (fail-fast
// dependency propagation). No retry attempt is consumed; eligibility is the
// dispatcher's call.
func (db *DB) MarkTaskError(id int64, errMsg string, now time.Time) (bool, error) {
	affected, err := db.exec(`
		UPDATE tasks SET status = ?, error_message = ?, finished_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, StatusError, errMsg, now.UTC(), id, StatusPending, StatusRunning)
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// SetTaskStatus writes a terminal status directly. Used by the cascade to
// roll a batch parent up; guarded so an already-terminal row is never
// rewritten.
func (db *DB) SetTaskStatus(id int64, status TaskStatus, summary string, now time.Time) (bool, error) {
	affected, err := db.exec(`
		UPDATE tasks SET status = ?, result_summary = ?, finished_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?, ?)
	`, status, summary, now.UTC(), id,
		StatusCompleted, StatusError, StatusSkipped, StatusCancelled)
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// RequeueTask performs the controlled error -> pending re-entry for a retry
// attempt. started_at and finished_at are reset; error_message is kept until
// a re-attempt succeeds.
func (db *DB) RequeueTask(id int64) (bool, error) {
	affected, err := db.exec(`
		UPDATE tasks SET status = ?, started_at = NULL, finished_at = NULL
		WHERE id = ? AND status = ?
	`, StatusPending, id, StatusError)
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// CancelTask cancels a non-terminal task (overlap replace, operator action).
func (db *DB) CancelTask(id int64, reason string, now time.Time) (bool, error) {
	affected, err := db.exec(`
		UPDATE tasks SET status = ?, error_message = ?, finished_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, StatusCancelled, reason, now.UTC(), id, StatusPending, StatusRunning)
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// StaleRunningTasks returns tasks that have been running since before the
// cutoff. A task stuck in running after a crash is an operational condition
// the sweep detects, not a correctness violation.
func (db *DB) StaleRunningTasks(cutoff time.Time) ([]*Task, error) {
	return db.queryTasks(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
	`, StatusRunning, cutoff.UTC())
}

// FailRunningTasks marks every running task as errored. Called once at
// startup so work interrupted by a crash re-enters through the retry path.
func (db *DB) FailRunningTasks(errMsg string, now time.Time) (int64, error) {
	return db.exec(`
		UPDATE tasks SET status = ?, error_message = ?, retry_count = retry_count + 1, finished_at = ?
		WHERE status = ?
	`, StatusError, errMsg, now.UTC(), StatusRunning)
}

// NonTerminalBatchParents returns batch tasks that have not rolled up yet.
// Housekeeping re-attempts their cascade in case the rollup write was lost
// to a crash.
func (db *DB) NonTerminalBatchParents() ([]*Task, error) {
	return db.queryTasks(`
		SELECT `+taskColumns+` FROM tasks
		WHERE type = ? AND status IN (?, ?)
	`, TypeBatch, StatusPending, StatusRunning)
}

// ErroredTasksBelowRetryLimit returns errored tasks that have not exhausted
// their retry budget. Backoff eligibility is computed by the caller.
func (db *DB) ErroredTasksBelowRetryLimit(maxRetries int) ([]*Task, error) {
	return db.queryTasks(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND retry_count > 0 AND retry_count <= ?
		ORDER BY finished_at ASC
	`, StatusError, maxRetries)
}
