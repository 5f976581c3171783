// Package api exposes the producer surface over HTTP: task and dependency
// creation, schedule CRUD, and read access to the engine's state.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"mediaflow/internal/db"
	"mediaflow/internal/graph"
	"mediaflow/internal/schedule"
)

// Server is the API server.
type Server struct {
	store     *db.DB
	graph     *graph.Graph
	scheduler *schedule.Scheduler
	log       zerolog.Logger
	router    chi.Router
}

// NewServer wires a Server over the engine components.
func NewServer(store *db.DB, g *graph.Graph, sched *schedule.Scheduler, log zerolog.Logger) *Server {
	s := &Server{
		store:     store,
		graph:     g,
		scheduler: sched,
		log:       log.With().Str("component", "api").Logger(),
		router:    chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/api/v1/health", s.HealthCheck)

	// Tasks
	r.Get("/api/v1/tasks", s.ListTasks)
	r.Post("/api/v1/tasks", s.CreateTask)
	r.Get("/api/v1/tasks/{id}", s.GetTask)
	r.Post("/api/v1/tasks/{id}/cancel", s.CancelTask)
	r.Get("/api/v1/tasks/{id}/dependencies", s.ListDependencies)
	r.Post("/api/v1/tasks/{id}/dependencies", s.AddDependency)
	r.Delete("/api/v1/tasks/{id}/dependencies/{depId}", s.RemoveDependency)

	// Schedules
	r.Get("/api/v1/schedules", s.ListSchedules)
	r.Post("/api/v1/schedules", s.CreateSchedule)
	r.Get("/api/v1/schedules/{id}", s.GetSchedule)
	r.Put("/api/v1/schedules/{id}", s.UpdateSchedule)
	r.Delete("/api/v1/schedules/{id}", s.DeleteSchedule)
	r.Post("/api/v1/schedules/{id}/enable", s.EnableSchedule)
	r.Post("/api/v1/schedules/{id}/disable", s.DisableSchedule)
	r.Post("/api/v1/schedules/{id}/run", s.RunSchedule)
	r.Get("/api/v1/schedules/{id}/instances", s.ListInstances)
}

// Router returns the router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}
