package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const scheduleColumns = `id, task_id, cron_expression, timezone, enabled, max_instances, overlap_policy, next_execution, last_execution, execution_count`

func scanSchedule(row rowScanner) (*Schedule, error) {
	s := &Schedule{}
	err := row.Scan(&s.ID, &s.TaskID, &s.CronExpression, &s.Timezone, &s.Enabled,
		&s.MaxInstances, &s.OverlapPolicy, &s.NextExecution, &s.LastExecution, &s.ExecutionCount)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CreateSchedule inserts a schedule row. Validation of the cron expression
// and policy happens upstream in the scheduler.
func (db *DB) CreateSchedule(s *Schedule) error {
	var id int64
	err := withRetry(func() error {
		res, err := db.conn.Exec(`
			INSERT INTO task_schedules (task_id, cron_expression, timezone, enabled, max_instances, overlap_policy, next_execution, last_execution, execution_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, s.TaskID, s.CronExpression, s.Timezone, s.Enabled, s.MaxInstances, s.OverlapPolicy, s.NextExecution, s.LastExecution, s.ExecutionCount)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return err
	}
	s.ID = id
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (db *DB) GetSchedule(id int64) (*Schedule, error) {
	s, err := scanSchedule(db.conn.QueryRow(
		`SELECT `+scheduleColumns+` FROM task_schedules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	return s, err
}

// ListSchedules retrieves all schedules.
func (db *DB) ListSchedules() ([]*Schedule, error) {
	return db.querySchedules(`SELECT ` + scheduleColumns + ` FROM task_schedules ORDER BY id ASC`)
}

// DueSchedules returns enabled schedules whose next_execution is at or
// before now.
func (db *DB) DueSchedules(now time.Time) ([]*Schedule, error) {
	return db.querySchedules(`
		SELECT `+scheduleColumns+` FROM task_schedules
		WHERE enabled = 1 AND next_execution IS NOT NULL AND next_execution <= ?
		ORDER BY next_execution ASC
	`, now.UTC())
}

// UpdateSchedule rewrites a schedule row.
func (db *DB) UpdateSchedule(s *Schedule) error {
	_, err := db.exec(`
		UPDATE task_schedules
		SET task_id = ?, cron_expression = ?, timezone = ?, enabled = ?, max_instances = ?, overlap_policy = ?, next_execution = ?, last_execution = ?, execution_count = ?
		WHERE id = ?
	`, s.TaskID, s.CronExpression, s.Timezone, s.Enabled, s.MaxInstances, s.OverlapPolicy, s.NextExecution, s.LastExecution, s.ExecutionCount, s.ID)
	return err
}

// SetScheduleEnabled flips the enabled flag. A disabled schedule never
// advances.
func (db *DB) SetScheduleEnabled(id int64, enabled bool) error {
	affected, err := db.exec(`UPDATE task_schedules SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteSchedule removes a schedule and (via FK cascade) its instances.
func (db *DB) DeleteSchedule(id int64) error {
	_, err := db.exec(`DELETE FROM task_schedules WHERE id = ?`, id)
	return err
}

// AdvanceSchedule persists the post-firing bookkeeping: the recomputed
// next_execution and, when a task was actually emitted, last_execution and
// the execution counter.
func (db *DB) AdvanceSchedule(id int64, next time.Time, fired bool, now time.Time) error {
	if fired {
		_, err := db.exec(`
			UPDATE task_schedules
			SET next_execution = ?, last_execution = ?, execution_count = execution_count + 1
			WHERE id = ?
		`, next.UTC(), now.UTC(), id)
		return err
	}
	_, err := db.exec(`UPDATE task_schedules SET next_execution = ? WHERE id = ?`, next.UTC(), id)
	return err
}

// MaterializeFiring atomically clones the template into a new pending task,
// records the instance row, and advances the schedule's bookkeeping. One
// transaction so a crash mid-firing cannot leave an instance without a task
// or a fired schedule without either.
func (db *DB) MaterializeFiring(scheduleID int64, template *Task, next, now time.Time) (int64, error) {
	var taskID int64
	err := db.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO tasks (type, status, payload, created_at)
			VALUES (?, ?, ?, ?)
		`, template.Type, StatusPending, template.Payload, now.UTC())
		if err != nil {
			return err
		}
		taskID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`
			INSERT INTO task_instances (schedule_id, task_id, status, started_at)
			VALUES (?, ?, ?, ?)
		`, scheduleID, taskID, StatusPending, now.UTC()); err != nil {
			return err
		}

		_, err = tx.Exec(`
			UPDATE task_schedules
			SET next_execution = ?, last_execution = ?, execution_count = execution_count + 1
			WHERE id = ?
		`, next.UTC(), now.UTC(), scheduleID)
		return err
	})
	return taskID, err
}

func (db *DB) querySchedules(query string, args ...any) ([]*Schedule, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}
