// Package executor defines the collaborator interface the dispatcher routes
// ready tasks to, one implementation per task type.
package executor

import (
	"context"
	"errors"
	"fmt"

	"mediaflow/internal/db"
)

// Result carries an executor outcome back to the dispatcher.
type Result struct {
	// Summary is free text persisted as the task's result_summary.
	Summary string
	// Err is non-nil when the execution failed.
	Err error
}

// Executor runs one task to completion. Implementations perform blocking
// I/O and must honor ctx cancellation/deadline.
type Executor interface {
	Execute(ctx context.Context, task *db.Task) Result
}

// ErrNoExecutor is returned by Route for a type without a registered
// implementation.
var ErrNoExecutor = errors.New("no executor registered")

// Registry maps every routable task type to its executor. The type set is
// closed: construction fails on an unknown type, and Validate enforces full
// coverage so adding a task type is a checked change rather than a silent
// default case.
type Registry struct {
	executors map[db.TaskType]Executor
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[db.TaskType]Executor)}
}

// Register binds an executor to a task type. Batch is not routable; its
// status is owned by the completion cascade.
func (r *Registry) Register(t db.TaskType, exec Executor) error {
	if !t.Valid() {
		return fmt.Errorf("unknown task type %q", t)
	}
	if t == db.TypeBatch {
		return errors.New("batch tasks are never dispatched")
	}
	r.executors[t] = exec
	return nil
}

// Route returns the executor for t.
func (r *Registry) Route(t db.TaskType) (Executor, error) {
	exec, ok := r.executors[t]
	if !ok {
		return nil, fmt.Errorf("%w for type %q", ErrNoExecutor, t)
	}
	return exec, nil
}

// Validate reports the routable types missing an executor. A fully wired
// deployment registers every type except batch.
func (r *Registry) Validate() error {
	var missing []db.TaskType
	for _, t := range db.TaskTypes() {
		if t == db.TypeBatch {
			continue
		}
		if _, ok := r.executors[t]; !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("task types without executor: %v", missing)
	}
	return nil
}
