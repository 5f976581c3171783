// Package orch is the top-level driver: one ticker that fires due schedules,
// dispatches ready tasks, and runs housekeeping, in that order. The tick
// interval is a deliberate trade-off between responsiveness and store load.
package orch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mediaflow/internal/cascade"
	"mediaflow/internal/db"
	"mediaflow/internal/dispatch"
	"mediaflow/internal/schedule"
)

// Orchestrator ticks the scheduler and dispatcher against one store.
type Orchestrator struct {
	store      *db.DB
	scheduler  *schedule.Scheduler
	dispatcher *dispatch.Dispatcher
	cascade    *cascade.Cascade
	log        zerolog.Logger

	tickInterval time.Duration
	staleAfter   time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// Config bounds the loop.
type Config struct {
	// TickInterval defaults to 5s.
	TickInterval time.Duration
	// StaleAfter is how long a task may sit in running before the sweep
	// fails it; it must exceed the longest expected execution. Defaults
	// to 2h.
	StaleAfter time.Duration
}

// New creates an Orchestrator.
func New(store *db.DB, sched *schedule.Scheduler, disp *dispatch.Dispatcher,
	casc *cascade.Cascade, cfg Config, log zerolog.Logger) *Orchestrator {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Hour
	}
	return &Orchestrator{
		store:        store,
		scheduler:    sched,
		dispatcher:   disp,
		cascade:      casc,
		log:          log.With().Str("component", "orch").Logger(),
		tickInterval: cfg.TickInterval,
		staleAfter:   cfg.StaleAfter,
	}
}

// Start reconciles state left over from a previous process and launches the
// tick loop. Idempotent: a second Start is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	o.running = true
	o.stop = make(chan struct{})
	o.done = make(chan struct{})

	o.reconcileStartup()

	go o.loop(ctx, o.stop, o.done)
	o.log.Info().Dur("interval", o.tickInterval).Msg("orchestrator started")
}

// Stop halts the tick timer. In-flight executor work is not killed; tasks
// still running are reconciled on the next start.
func (o *Orchestrator) Stop(drainTimeout time.Duration) {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	stop := o.stop
	done := o.done
	o.mu.Unlock()

	close(stop)
	<-done

	if drained := o.dispatcher.Drain(drainTimeout); !drained {
		o.log.Warn().Msg("stopped with executions still in flight")
	}
	o.log.Info().Msg("orchestrator stopped")
}

// reconcileStartup fails tasks a previous process left in running so they
// re-enter through the retry path, and rolls up any parents they unblocked.
func (o *Orchestrator) reconcileStartup() {
	now := time.Now().UTC()
	n, err := o.store.FailRunningTasks("interrupted by restart", now)
	if err != nil {
		o.log.Error().Err(err).Msg("startup reconciliation failed")
		return
	}
	if n > 0 {
		o.log.Warn().Int64("count", n).Msg("failed tasks interrupted by restart")
	}
	o.rollUpParents(now)
}

func (o *Orchestrator) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.tick(ctx, now.UTC())
		}
	}
}

// tick runs one round. Ordering matters: schedules fire before dependency-
// ready tasks dispatch, retries re-queue inside the dispatcher after both.
// Store unavailability is fatal to the tick only; the next tick retries.
func (o *Orchestrator) tick(ctx context.Context, now time.Time) {
	if err := o.scheduler.Tick(ctx, now); err != nil {
		o.log.Error().Err(err).Msg("schedule tick failed")
	}
	if err := o.dispatcher.Tick(ctx, now); err != nil {
		o.log.Error().Err(err).Msg("dispatch tick failed")
	}
	o.housekeep(now)
}

// housekeep sweeps stale running tasks, retries missed parent rollups, and
// mirrors task lifecycle onto instance rows.
func (o *Orchestrator) housekeep(now time.Time) {
	stale, err := o.store.StaleRunningTasks(now.Add(-o.staleAfter))
	if err != nil {
		o.log.Error().Err(err).Msg("stale scan failed")
	} else {
		for _, task := range stale {
			// FailTask is conditional on the row still being in
			// running, so a worker finishing concurrently wins.
			if err := o.store.FailTask(task.ID, "exceeded stale running threshold", now); err != nil {
				o.log.Error().Int64("task_id", task.ID).Err(err).Msg("stale fail failed")
				continue
			}
			o.log.Warn().Int64("task_id", task.ID).Time("started_at", *task.StartedAt).
				Msg("stale running task failed")
			if err := o.cascade.OnTerminal(task.ID, now); err != nil {
				o.log.Error().Int64("task_id", task.ID).Err(err).Msg("cascade failed")
			}
		}
	}

	o.rollUpParents(now)

	if _, err := o.store.ReconcileInstances(); err != nil {
		o.log.Error().Err(err).Msg("instance reconciliation failed")
	}
}

func (o *Orchestrator) rollUpParents(now time.Time) {
	parents, err := o.store.NonTerminalBatchParents()
	if err != nil {
		o.log.Error().Err(err).Msg("batch parent scan failed")
		return
	}
	for _, parent := range parents {
		if err := o.cascade.TryRollUp(parent.ID, now); err != nil {
			o.log.Error().Int64("parent_id", parent.ID).Err(err).Msg("rollup failed")
		}
	}
}
