package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection. SQLite is the engine's only
// coordination substrate: every mutation that affects a scheduling decision
// is a single conditional statement or a transaction, never a read-then-write
// split.
type DB struct {
	conn *sql.DB
}

// New opens (creating if necessary) the database at dbPath and applies the
// schema.
func New(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		parent_id INTEGER REFERENCES tasks(id) ON DELETE SET NULL,
		payload TEXT NOT NULL DEFAULT '',
		result_summary TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		started_at DATETIME,
		finished_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent_id ON tasks(parent_id);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		depends_on_id INTEGER NOT NULL,
		PRIMARY KEY (task_id, depends_on_id)
	);

	CREATE INDEX IF NOT EXISTS idx_task_deps_depends_on ON task_dependencies(depends_on_id);

	CREATE TABLE IF NOT EXISTS task_schedules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		cron_expression TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		enabled INTEGER NOT NULL DEFAULT 1,
		max_instances INTEGER NOT NULL DEFAULT 1,
		overlap_policy TEXT NOT NULL DEFAULT 'skip',
		next_execution DATETIME,
		last_execution DATETIME,
		execution_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_task_schedules_next ON task_schedules(enabled, next_execution);

	CREATE TABLE IF NOT EXISTS task_instances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		schedule_id INTEGER NOT NULL REFERENCES task_schedules(id) ON DELETE CASCADE,
		task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'pending',
		started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		finished_at DATETIME,
		result_summary TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_task_instances_schedule ON task_instances(schedule_id);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// retryable reports whether err is a transient SQLite contention error worth
// retrying within the same tick.
func retryable(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// withRetry runs op, retrying transient contention errors with a short
// exponential backoff. Non-transient errors are returned immediately; store
// unavailability past the retry window fails the current tick, not the
// process.
func withRetry(op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 2 * time.Second

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// exec runs a statement with transient-error retry and returns the number of
// rows affected.
func (db *DB) exec(query string, args ...any) (int64, error) {
	var affected int64
	err := withRetry(func() error {
		res, err := db.conn.Exec(query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// withTx runs fn inside a transaction, retrying the whole transaction on
// transient contention.
func (db *DB) withTx(fn func(tx *sql.Tx) error) error {
	return withRetry(func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}
