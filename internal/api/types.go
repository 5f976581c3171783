package api

import "mediaflow/internal/db"

// CreateTaskRequest is the body for POST /api/v1/tasks.
type CreateTaskRequest struct {
	Type         db.TaskType `json:"type"`
	Payload      string      `json:"payload"`
	ParentID     *int64      `json:"parent_id,omitempty"`
	Dependencies []int64     `json:"dependencies,omitempty"`
}

// CreateScheduleRequest is the body for POST /api/v1/schedules.
type CreateScheduleRequest struct {
	TaskID         int64            `json:"task_id"`
	CronExpression string           `json:"cron_expression"`
	Timezone       string           `json:"timezone,omitempty"`
	MaxInstances   int              `json:"max_instances,omitempty"`
	OverlapPolicy  db.OverlapPolicy `json:"overlap_policy,omitempty"`
}

// UpdateScheduleRequest is the body for PUT /api/v1/schedules/{id}.
type UpdateScheduleRequest struct {
	CronExpression string `json:"cron_expression"`
}

// AddDependencyRequest is the body for POST /api/v1/tasks/{id}/dependencies.
type AddDependencyRequest struct {
	DependsOnID int64 `json:"depends_on_id"`
}

// DependenciesResponse lists a task's dependency edges with readiness.
type DependenciesResponse struct {
	TaskID       int64   `json:"task_id"`
	Dependencies []int64 `json:"dependencies"`
	Ready        bool    `json:"ready"`
	Failed       bool    `json:"failed"`
	FailedDepID  int64   `json:"failed_dep_id,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse reports daemon liveness.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
