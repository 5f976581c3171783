package db

import "time"

// TaskType discriminates how a task is executed. The set is closed: the
// dispatcher routes on it exhaustively and rejects anything else at the door.
type TaskType string

const (
	TypeShell             TaskType = "shell"
	TypeLLM               TaskType = "llm"
	TypeTool              TaskType = "tool"
	TypeBatch             TaskType = "batch"
	TypeReview            TaskType = "review"
	TypeMediaIngest       TaskType = "media_ingest"
	TypeMediaOrganize     TaskType = "media_organize"
	TypeVideoSceneDetect  TaskType = "video_scene_detect"
	TypeVideoObjectDetect TaskType = "video_object_detect"
	TypeTranscribe        TaskType = "transcribe"
)

// TaskTypes lists every known task type.
func TaskTypes() []TaskType {
	return []TaskType{
		TypeShell, TypeLLM, TypeTool, TypeBatch, TypeReview,
		TypeMediaIngest, TypeMediaOrganize,
		TypeVideoSceneDetect, TypeVideoObjectDetect, TypeTranscribe,
	}
}

// Valid reports whether t is a member of the closed task-type set.
func (t TaskType) Valid() bool {
	for _, known := range TaskTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// TaskStatus represents the lifecycle state of a task. Transitions are
// forward-only (pending -> running -> terminal); the single sanctioned
// exception is the controlled error -> pending re-entry owned by the
// retry path.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusError     TaskStatus = "error"
	StatusSkipped   TaskStatus = "skipped"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether s is a final state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// Task is a unit of work with a typed payload. Rows are inserted by
// producers (API, ingest pipeline, scheduler firings) and mutated only by
// the dispatcher thereafter.
type Task struct {
	ID            int64      `json:"id"`
	Type          TaskType   `json:"type"`
	Status        TaskStatus `json:"status"`
	ParentID      *int64     `json:"parent_id,omitempty"`
	Payload       string     `json:"payload"`
	ResultSummary string     `json:"result_summary,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	RetryCount    int        `json:"retry_count"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// OverlapPolicy governs what happens when a schedule fires while a prior
// firing is still non-terminal.
type OverlapPolicy string

const (
	OverlapSkip    OverlapPolicy = "skip"
	OverlapQueue   OverlapPolicy = "queue"
	OverlapReplace OverlapPolicy = "replace"
)

// Valid reports whether p is a known overlap policy.
func (p OverlapPolicy) Valid() bool {
	switch p {
	case OverlapSkip, OverlapQueue, OverlapReplace:
		return true
	}
	return false
}

// Schedule is a recurring definition that materializes new Task rows from a
// template task over time.
type Schedule struct {
	ID             int64         `json:"id"`
	TaskID         int64         `json:"task_id"`
	CronExpression string        `json:"cron_expression"`
	Timezone       string        `json:"timezone"`
	Enabled        bool          `json:"enabled"`
	MaxInstances   int           `json:"max_instances"`
	OverlapPolicy  OverlapPolicy `json:"overlap_policy"`
	NextExecution  *time.Time    `json:"next_execution,omitempty"`
	LastExecution  *time.Time    `json:"last_execution,omitempty"`
	ExecutionCount int64         `json:"execution_count"`
}

// TaskInstance links one firing of a schedule to the task it produced. Its
// status mirrors the task's lifecycle and is what overlap policies count.
type TaskInstance struct {
	ID            int64      `json:"id"`
	ScheduleID    int64      `json:"schedule_id"`
	TaskID        int64      `json:"task_id"`
	Status        TaskStatus `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	ResultSummary string     `json:"result_summary,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// DependencyEdge is a directed relation: task TaskID cannot run until task
// DependsOnID is completed.
type DependencyEdge struct {
	TaskID      int64 `json:"task_id"`
	DependsOnID int64 `json:"depends_on_id"`
}
