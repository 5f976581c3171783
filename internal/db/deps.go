package db

import "errors"

// AddDependencyEdge inserts a dependency edge. Duplicate pairs are ignored so
// edge mutation stays idempotent.
func (db *DB) AddDependencyEdge(taskID, dependsOnID int64) error {
	_, err := db.exec(`
		INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_id)
		VALUES (?, ?)
	`, taskID, dependsOnID)
	return err
}

// RemoveDependencyEdge deletes a dependency edge. Deleting a missing edge is
// a no-op.
func (db *DB) RemoveDependencyEdge(taskID, dependsOnID int64) error {
	_, err := db.exec(`
		DELETE FROM task_dependencies WHERE task_id = ? AND depends_on_id = ?
	`, taskID, dependsOnID)
	return err
}

// DependencyIDs returns the ids this task depends on.
func (db *DB) DependencyIDs(taskID int64) ([]int64, error) {
	return db.queryIDs(`
		SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_id
	`, taskID)
}

// DependentIDs returns the ids of tasks that depend on taskID (reverse
// lookup, used by the cascade and fail-fast propagation).
func (db *DB) DependentIDs(taskID int64) ([]int64, error) {
	return db.queryIDs(`
		SELECT task_id FROM task_dependencies WHERE depends_on_id = ? ORDER BY task_id
	`, taskID)
}

// DependencyTasks resolves the dependency edges of taskID to task rows.
// Edges whose target row does not exist are reported in the missing slice.
func (db *DB) DependencyTasks(taskID int64) ([]*Task, []int64, error) {
	ids, err := db.DependencyIDs(taskID)
	if err != nil {
		return nil, nil, err
	}

	var tasks []*Task
	var missing []int64
	for _, id := range ids {
		task, err := db.GetTask(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				missing = append(missing, id)
				continue
			}
			return nil, nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, missing, nil
}

// AllDependencyEdges returns every stored edge, for cycle validation.
func (db *DB) AllDependencyEdges() ([]DependencyEdge, error) {
	rows, err := db.conn.Query(`SELECT task_id, depends_on_id FROM task_dependencies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []DependencyEdge
	for rows.Next() {
		var e DependencyEdge
		if err := rows.Scan(&e.TaskID, &e.DependsOnID); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (db *DB) queryIDs(query string, args ...any) ([]int64, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
