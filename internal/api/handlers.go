package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"mediaflow/internal/cronx"
	"mediaflow/internal/db"
	"mediaflow/internal/graph"
	"mediaflow/internal/schedule"
	"mediaflow/internal/version"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}

func idParam(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

// HealthCheck reports liveness.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: version.Version})
}

// ListTasks returns all tasks, optionally filtered by ?status=.
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	var (
		tasks []*db.Task
		err   error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		tasks, err = s.store.TasksByStatus(db.TaskStatus(status))
	} else {
		tasks, err = s.store.ListTasks()
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

// CreateTask inserts a pending task, wiring any declared dependencies.
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Type.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown task type: "+string(req.Type))
		return
	}
	task := &db.Task{
		Type:     req.Type,
		Status:   db.StatusPending,
		ParentID: req.ParentID,
		Payload:  req.Payload,
	}
	if err := s.store.CreateTask(task); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, depID := range req.Dependencies {
		if err := s.graph.AddDependency(task.ID, depID); err != nil {
			// The task row stays; a bad edge should not orphan it.
			s.writeError(w, depStatus(err), err.Error())
			return
		}
	}
	s.log.Info().Int64("task_id", task.ID).Str("type", string(task.Type)).Msg("task created")
	s.writeJSON(w, http.StatusCreated, task)
}

// GetTask returns one task by id.
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := s.store.GetTask(id)
	if errors.Is(err, db.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

// CancelTask cancels a non-terminal task.
func (s *Server) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	ok, err := s.store.CancelTask(id, "cancelled by request", time.Now().UTC())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		s.writeError(w, http.StatusConflict, "task is already terminal")
		return
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

// ListDependencies returns a task's dependency ids plus its readiness.
func (s *Server) ListDependencies(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	deps, err := s.graph.Dependencies(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	readiness, err := s.graph.Check(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, DependenciesResponse{
		TaskID:       id,
		Dependencies: deps,
		Ready:        readiness.Ready,
		Failed:       readiness.Failed,
		FailedDepID:  readiness.FailedDepID,
	})
}

// AddDependency adds an edge: task {id} depends on depends_on_id.
func (s *Server) AddDependency(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	var req AddDependencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.graph.AddDependency(id, req.DependsOnID); err != nil {
		s.writeError(w, depStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveDependency drops an edge if present.
func (s *Server) RemoveDependency(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	depID, err := idParam(r, "depId")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid dependency id")
		return
	}
	if err := s.graph.RemoveDependency(id, depID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// depStatus maps graph errors onto HTTP status codes.
func depStatus(err error) int {
	switch {
	case errors.Is(err, graph.ErrCycle), errors.Is(err, graph.ErrSelfDependency):
		return http.StatusConflict
	case errors.Is(err, graph.ErrUnknownTask):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ListSchedules returns all schedules.
func (s *Server) ListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.scheduler.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, schedules)
}

// CreateSchedule creates a recurring schedule over a template task.
func (s *Server) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sched, err := s.scheduler.Create(req.TaskID, req.CronExpression, schedule.Options{
		Timezone:      req.Timezone,
		MaxInstances:  req.MaxInstances,
		OverlapPolicy: req.OverlapPolicy,
	})
	if err != nil {
		s.writeError(w, scheduleStatus(err), err.Error())
		return
	}
	s.log.Info().Int64("schedule_id", sched.ID).Str("cron", sched.CronExpression).Msg("schedule created")
	s.writeJSON(w, http.StatusCreated, sched)
}

// GetSchedule returns one schedule by id.
func (s *Server) GetSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	sched, err := s.scheduler.Get(id)
	if errors.Is(err, db.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, sched)
}

// UpdateSchedule replaces the cron expression and recomputes next_execution.
func (s *Server) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	var req UpdateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sched, err := s.scheduler.Update(id, req.CronExpression)
	if err != nil {
		s.writeError(w, scheduleStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, sched)
}

// DeleteSchedule removes a schedule. The template task stays.
func (s *Server) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	if err := s.scheduler.Delete(id); err != nil {
		s.writeError(w, scheduleStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnableSchedule re-enables a schedule with a fresh next_execution.
func (s *Server) EnableSchedule(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

// DisableSchedule disables a schedule without touching its history.
func (s *Server) DisableSchedule(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	if enabled {
		err = s.scheduler.Enable(id)
	} else {
		err = s.scheduler.Disable(id)
	}
	if err != nil {
		s.writeError(w, scheduleStatus(err), err.Error())
		return
	}
	sched, err := s.scheduler.Get(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, sched)
}

// RunSchedule fires a schedule immediately, returning the materialized task.
func (s *Server) RunSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	taskID, err := s.scheduler.RunNow(id)
	if err != nil {
		s.writeError(w, scheduleStatus(err), err.Error())
		return
	}
	task, err := s.store.GetTask(taskID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, task)
}

// ListInstances returns the firing history of a schedule.
func (s *Server) ListInstances(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	instances, err := s.store.InstancesForSchedule(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, instances)
}

// scheduleStatus maps scheduler errors onto HTTP status codes.
func scheduleStatus(err error) int {
	switch {
	case errors.Is(err, cronx.ErrInvalidExpression), errors.Is(err, schedule.ErrInvalidPolicy):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
