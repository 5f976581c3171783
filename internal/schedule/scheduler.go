// Package schedule owns recurring schedule definitions: CRUD, due
// detection, overlap policy, and the materialization of task instances per
// firing. Time math is delegated to cronx.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mediaflow/internal/cronx"
	"mediaflow/internal/db"
)

// ErrInvalidPolicy is returned for an overlap policy outside the known set.
var ErrInvalidPolicy = errors.New("invalid overlap policy")

// Options configures a new schedule.
type Options struct {
	// Timezone is an IANA zone name; empty means UTC.
	Timezone string
	// MaxInstances bounds concurrent non-terminal firings; zero means 1.
	MaxInstances int
	// OverlapPolicy defaults to skip.
	OverlapPolicy db.OverlapPolicy
}

// Scheduler manages schedules against the store.
type Scheduler struct {
	store *db.DB
	log   zerolog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	// tickInterval drives the standalone loop started by Start. When the
	// orchestrator owns the tick it calls Tick directly instead.
	tickInterval time.Duration
}

// New creates a Scheduler.
func New(store *db.DB, log zerolog.Logger, tickInterval time.Duration) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = 5 * time.Second
	}
	return &Scheduler{
		store:        store,
		log:          log.With().Str("component", "scheduler").Logger(),
		tickInterval: tickInterval,
	}
}

// Create validates and persists a new schedule bound to the template task
// templateID. The initial next_execution is computed from now.
func (s *Scheduler) Create(templateID int64, cronExpr string, opts Options) (*db.Schedule, error) {
	normalized, err := cronx.Parse(cronExpr)
	if err != nil {
		return nil, err
	}

	if opts.Timezone == "" {
		opts.Timezone = "UTC"
	}
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = 1
	}
	if opts.OverlapPolicy == "" {
		opts.OverlapPolicy = db.OverlapSkip
	}
	if !opts.OverlapPolicy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPolicy, opts.OverlapPolicy)
	}

	if _, err := s.store.GetTask(templateID); err != nil {
		return nil, fmt.Errorf("template task: %w", err)
	}

	next, err := cronx.Next(normalized, time.Now().UTC(), opts.Timezone)
	if err != nil {
		return nil, err
	}

	sched := &db.Schedule{
		TaskID:         templateID,
		CronExpression: normalized,
		Timezone:       opts.Timezone,
		Enabled:        true,
		MaxInstances:   opts.MaxInstances,
		OverlapPolicy:  opts.OverlapPolicy,
		NextExecution:  &next,
	}
	if err := s.store.CreateSchedule(sched); err != nil {
		return nil, err
	}

	s.log.Info().Int64("schedule_id", sched.ID).Str("cron", normalized).
		Str("tz", opts.Timezone).Str("policy", string(opts.OverlapPolicy)).
		Time("next", next).Msg("schedule created")
	return sched, nil
}

// Update replaces a schedule's cron expression and recomputes
// next_execution from now.
func (s *Scheduler) Update(scheduleID int64, newCronExpr string) (*db.Schedule, error) {
	normalized, err := cronx.Parse(newCronExpr)
	if err != nil {
		return nil, err
	}

	sched, err := s.store.GetSchedule(scheduleID)
	if err != nil {
		return nil, err
	}

	next, err := cronx.Next(normalized, time.Now().UTC(), sched.Timezone)
	if err != nil {
		return nil, err
	}

	sched.CronExpression = normalized
	sched.NextExecution = &next
	if err := s.store.UpdateSchedule(sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// Enable turns a schedule back on, recomputing next_execution from now so a
// stale fire instant accrued while disabled is not replayed.
func (s *Scheduler) Enable(scheduleID int64) error {
	sched, err := s.store.GetSchedule(scheduleID)
	if err != nil {
		return err
	}

	next, err := cronx.Next(sched.CronExpression, time.Now().UTC(), sched.Timezone)
	if err != nil {
		return err
	}

	sched.Enabled = true
	sched.NextExecution = &next
	return s.store.UpdateSchedule(sched)
}

// Disable turns a schedule off; its next_execution stops advancing.
func (s *Scheduler) Disable(scheduleID int64) error {
	return s.store.SetScheduleEnabled(scheduleID, false)
}

// Delete removes a schedule.
func (s *Scheduler) Delete(scheduleID int64) error {
	return s.store.DeleteSchedule(scheduleID)
}

// Get fetches one schedule.
func (s *Scheduler) Get(scheduleID int64) (*db.Schedule, error) {
	return s.store.GetSchedule(scheduleID)
}

// List fetches every schedule.
func (s *Scheduler) List() ([]*db.Schedule, error) {
	return s.store.ListSchedules()
}

// Due returns enabled schedules whose next_execution is at or before now.
func (s *Scheduler) Due(now time.Time) ([]*db.Schedule, error) {
	return s.store.DueSchedules(now)
}

// CanExecute evaluates the overlap policy for one schedule against the count
// of non-terminal instances.
func (s *Scheduler) CanExecute(sched *db.Schedule) (bool, error) {
	switch sched.OverlapPolicy {
	case db.OverlapQueue, db.OverlapReplace:
		return true, nil
	case db.OverlapSkip:
		active, err := s.store.ActiveInstanceCount(sched.ID)
		if err != nil {
			return false, err
		}
		return active < sched.MaxInstances, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidPolicy, sched.OverlapPolicy)
	}
}

// Tick fires every due schedule once. A firing suppressed by the skip policy
// still advances next_execution: the tick is consumed, the task is not.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	due, err := s.Due(now)
	if err != nil {
		return fmt.Errorf("due schedules: %w", err)
	}

	for _, sched := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.fire(sched, now); err != nil {
			// A failure on one schedule never aborts the rest of
			// the tick.
			s.log.Error().Int64("schedule_id", sched.ID).Err(err).Msg("firing failed")
		}
	}
	return nil
}

func (s *Scheduler) fire(sched *db.Schedule, now time.Time) error {
	next, err := cronx.Next(sched.CronExpression, now, sched.Timezone)
	if err != nil {
		return err
	}

	ok, err := s.CanExecute(sched)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Debug().Int64("schedule_id", sched.ID).Time("next", next).
			Msg("firing skipped by overlap policy")
		return s.store.AdvanceSchedule(sched.ID, next, false, now)
	}

	if sched.OverlapPolicy == db.OverlapReplace {
		if err := s.replaceOldest(sched, now); err != nil {
			return err
		}
	}

	template, err := s.store.GetTask(sched.TaskID)
	if err != nil {
		return fmt.Errorf("template task: %w", err)
	}

	taskID, err := s.store.MaterializeFiring(sched.ID, template, next, now)
	if err != nil {
		return fmt.Errorf("materialize firing: %w", err)
	}

	s.log.Info().Int64("schedule_id", sched.ID).Int64("task_id", taskID).
		Time("next", next).Msg("schedule fired")
	return nil
}

// RunNow materializes one firing immediately, bypassing the overlap policy.
// next_execution is left where the cron expression put it.
func (s *Scheduler) RunNow(scheduleID int64) (int64, error) {
	sched, err := s.store.GetSchedule(scheduleID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	next := now
	if sched.NextExecution != nil {
		next = *sched.NextExecution
	}

	template, err := s.store.GetTask(sched.TaskID)
	if err != nil {
		return 0, fmt.Errorf("template task: %w", err)
	}

	taskID, err := s.store.MaterializeFiring(sched.ID, template, next, now)
	if err != nil {
		return 0, fmt.Errorf("materialize firing: %w", err)
	}

	s.log.Info().Int64("schedule_id", sched.ID).Int64("task_id", taskID).
		Msg("schedule run manually")
	return taskID, nil
}

// replaceOldest cancels the oldest non-terminal firing of sched to make room
// for the new one.
func (s *Scheduler) replaceOldest(sched *db.Schedule, now time.Time) error {
	oldest, err := s.store.OldestActiveInstance(sched.ID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	cancelled, err := s.store.CancelTask(oldest.TaskID, "replaced by newer firing", now)
	if err != nil {
		return err
	}
	if cancelled {
		s.log.Info().Int64("schedule_id", sched.ID).Int64("task_id", oldest.TaskID).
			Msg("replaced in-flight firing")
	}
	return nil
}

// Start launches the standalone tick loop. Calling Start twice does not
// create a second timer.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(ctx, s.stop, s.done)
	s.log.Info().Dur("interval", s.tickInterval).Msg("scheduler started")
}

// Stop halts the tick loop; safe to call when not started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop := s.stop
	done := s.done
	s.mu.Unlock()

	close(stop)
	<-done
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := s.Tick(ctx, now.UTC()); err != nil {
				s.log.Error().Err(err).Msg("tick failed")
			}
		}
	}
}
