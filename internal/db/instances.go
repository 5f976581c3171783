package db

import (
	"database/sql"
	"errors"
	"time"
)

const instanceColumns = `id, schedule_id, task_id, status, started_at, finished_at, result_summary, error_message`

func scanInstance(row rowScanner) (*TaskInstance, error) {
	inst := &TaskInstance{}
	err := row.Scan(&inst.ID, &inst.ScheduleID, &inst.TaskID, &inst.Status,
		&inst.StartedAt, &inst.FinishedAt, &inst.ResultSummary, &inst.ErrorMessage)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// CreateInstance records one firing of a schedule.
func (db *DB) CreateInstance(inst *TaskInstance) error {
	if inst.Status == "" {
		inst.Status = StatusPending
	}
	if inst.StartedAt.IsZero() {
		inst.StartedAt = time.Now().UTC()
	}

	var id int64
	err := withRetry(func() error {
		res, err := db.conn.Exec(`
			INSERT INTO task_instances (schedule_id, task_id, status, started_at)
			VALUES (?, ?, ?, ?)
		`, inst.ScheduleID, inst.TaskID, inst.Status, inst.StartedAt)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return err
	}
	inst.ID = id
	return nil
}

// InstancesForSchedule lists all firings of a schedule, newest first.
func (db *DB) InstancesForSchedule(scheduleID int64) ([]*TaskInstance, error) {
	rows, err := db.conn.Query(`
		SELECT `+instanceColumns+` FROM task_instances
		WHERE schedule_id = ? ORDER BY id DESC
	`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*TaskInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// ActiveInstanceCount counts non-terminal firings of a schedule, evaluated
// against the live task status so the count is correct even before the
// mirror columns are reconciled.
func (db *DB) ActiveInstanceCount(scheduleID int64) (int, error) {
	var n int
	err := db.conn.QueryRow(`
		SELECT COUNT(1) FROM task_instances i
		JOIN tasks t ON t.id = i.task_id
		WHERE i.schedule_id = ? AND t.status IN (?, ?)
	`, scheduleID, StatusPending, StatusRunning).Scan(&n)
	return n, err
}

// ScheduleBinding links a materialized task back to the schedule that fired
// it, carrying the schedule's concurrency bound and its current number of
// running instances.
type ScheduleBinding struct {
	ScheduleID   int64
	MaxInstances int
	Running      int
}

// ScheduleBindingForTask resolves the schedule a task was materialized from,
// or ErrNotFound for tasks that did not come from a firing. Running is
// evaluated against the live task status, matching ActiveInstanceCount.
func (db *DB) ScheduleBindingForTask(taskID int64) (*ScheduleBinding, error) {
	b := &ScheduleBinding{}
	err := db.conn.QueryRow(`
		SELECT s.id, s.max_instances,
		       (SELECT COUNT(1) FROM task_instances i2
		        JOIN tasks t ON t.id = i2.task_id
		        WHERE i2.schedule_id = s.id AND t.status = ?)
		FROM task_instances i
		JOIN task_schedules s ON s.id = i.schedule_id
		WHERE i.task_id = ?
	`, StatusRunning, taskID).Scan(&b.ScheduleID, &b.MaxInstances, &b.Running)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// OldestActiveInstance returns the oldest non-terminal firing of a schedule,
// or ErrNotFound when none is in flight. Used by the replace overlap policy.
func (db *DB) OldestActiveInstance(scheduleID int64) (*TaskInstance, error) {
	inst, err := scanInstance(db.conn.QueryRow(`
		SELECT `+instanceColumns+` FROM task_instances i
		WHERE i.schedule_id = ?
		  AND (SELECT status FROM tasks t WHERE t.id = i.task_id) IN (?, ?)
		ORDER BY i.id ASC LIMIT 1
	`, scheduleID, StatusPending, StatusRunning))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inst, err
}

// ReconcileInstances mirrors the current task lifecycle onto instance rows.
// Run as periodic housekeeping; overlap decisions never depend on it.
func (db *DB) ReconcileInstances() (int64, error) {
	return db.exec(`
		UPDATE task_instances
		SET status = (SELECT status FROM tasks WHERE tasks.id = task_instances.task_id),
		    finished_at = (SELECT finished_at FROM tasks WHERE tasks.id = task_instances.task_id),
		    result_summary = (SELECT result_summary FROM tasks WHERE tasks.id = task_instances.task_id),
		    error_message = (SELECT error_message FROM tasks WHERE tasks.id = task_instances.task_id)
		WHERE EXISTS (SELECT 1 FROM tasks WHERE tasks.id = task_instances.task_id)
		  AND status != (SELECT status FROM tasks WHERE tasks.id = task_instances.task_id)
	`)
}
