// Package dispatch claims ready tasks and routes them to executors. It is
// the only writer of task status during execution; the atomic conditional
// claim in the store is the sole synchronization point between concurrent
// dispatch paths.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"mediaflow/internal/cascade"
	"mediaflow/internal/db"
	"mediaflow/internal/executor"
	"mediaflow/internal/graph"
	"mediaflow/internal/retry"
)

// Notifier is told about tasks reaching a terminal status. Implementations
// must not block the dispatch path.
type Notifier interface {
	TaskTerminal(task *db.Task)
}

// Dispatcher drives the per-tick candidate scan, claim, and execution
// fan-out. Decision-making is single-threaded; execution is fanned out to a
// bounded set of workers and the tick never waits for an executor to finish.
type Dispatcher struct {
	store    *db.DB
	graph    *graph.Graph
	retries  *retry.Manager
	cascade  *cascade.Cascade
	registry *executor.Registry
	notify   Notifier
	log      zerolog.Logger

	slots    *semaphore.Weighted
	breakers *breakerRegistry
	inflight sync.WaitGroup
}

// New creates a Dispatcher with the given worker slot count.
func New(store *db.DB, g *graph.Graph, retries *retry.Manager, casc *cascade.Cascade,
	registry *executor.Registry, workers int, log zerolog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	return &Dispatcher{
		store:    store,
		graph:    g,
		retries:  retries,
		cascade:  casc,
		registry: registry,
		log:      log.With().Str("component", "dispatch").Logger(),
		slots:    semaphore.NewWeighted(int64(workers)),
		breakers: newBreakerRegistry(log),
	}
}

// SetNotifier installs an optional terminal-status notifier.
func (d *Dispatcher) SetNotifier(n Notifier) { d.notify = n }

// Tick runs one dispatch round: scan pending tasks, fail-fast the ones with
// an errored dependency, launch the ready ones, then re-queue retry-eligible
// errored tasks for the next round. Failures local to one task never abort
// the tick for the others.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) error {
	candidates, err := d.store.DispatchableTasks()
	if err != nil {
		return fmt.Errorf("dispatch scan: %w", err)
	}

	for _, task := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		readiness, err := d.graph.Check(task.ID)
		if err != nil {
			d.log.Error().Int64("task_id", task.ID).Err(err).Msg("readiness check failed")
			continue
		}

		switch {
		case readiness.Failed:
			d.failFast(task, readiness.FailedDepID, now)
		case readiness.Ready:
			d.launch(task, now)
		}
	}

	d.requeueRetries(now)
	return nil
}

// failFast marks a task errored without dispatching it, citing the failed
// dependency.
func (d *Dispatcher) failFast(task *db.Task, failedDepID int64, now time.Time) {
	msg := fmt.Sprintf("dependency %d failed", failedDepID)
	marked, err := d.store.MarkTaskError(task.ID, msg, now)
	if err != nil {
		d.log.Error().Int64("task_id", task.ID).Err(err).Msg("fail-fast write failed")
		return
	}
	if !marked {
		return
	}
	d.log.Warn().Int64("task_id", task.ID).Int64("failed_dep", failedDepID).
		Msg("task failed without dispatch")
	d.afterTerminal(task.ID, now)
}

// launch claims a slot and the task, then executes in the background.
// Claiming zero rows means another path won the race; the attempt is
// silently dropped.
func (d *Dispatcher) launch(task *db.Task, now time.Time) {
	if !d.scheduleSlotFree(task.ID) {
		// The schedule's concurrency bound is saturated. Queued firings
		// stay pending and drain one at a time as instances finish.
		return
	}

	if !d.slots.TryAcquire(1) {
		// All workers busy; the task stays pending for a later tick.
		return
	}

	claimed, err := d.store.ClaimTask(task.ID, now)
	if err != nil || !claimed {
		d.slots.Release(1)
		if err != nil {
			d.log.Error().Int64("task_id", task.ID).Err(err).Msg("claim failed")
		}
		return
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer d.slots.Release(1)
		d.run(task)
	}()
}

// scheduleSlotFree reports whether a task materialized from a schedule firing
// may start now. Tasks not bound to a schedule always may; bound tasks may
// only while fewer than max_instances of their schedule's instances are
// running. The claim in launch is synchronous, so within one tick each start
// is visible to the next candidate's count.
func (d *Dispatcher) scheduleSlotFree(taskID int64) bool {
	binding, err := d.store.ScheduleBindingForTask(taskID)
	if errors.Is(err, db.ErrNotFound) {
		return true
	}
	if err != nil {
		d.log.Error().Int64("task_id", taskID).Err(err).Msg("schedule binding lookup failed")
		return false
	}
	return binding.Running < binding.MaxInstances
}

// run executes one claimed task and writes the outcome back. The executor
// gets a background-derived context: stopping the orchestrator must not kill
// in-flight work.
func (d *Dispatcher) run(task *db.Task) {
	exec, err := d.registry.Route(task.Type)
	if err != nil {
		d.finish(task, executor.Result{Err: err})
		return
	}

	result := d.breakers.execute(task.Type, func() executor.Result {
		return exec.Execute(context.Background(), task)
	})
	d.finish(task, result)
}

func (d *Dispatcher) finish(task *db.Task, result executor.Result) {
	now := time.Now().UTC()
	if result.Err != nil {
		if err := d.store.FailTask(task.ID, result.Err.Error(), now); err != nil {
			d.log.Error().Int64("task_id", task.ID).Err(err).Msg("failure write-back failed")
			return
		}
		d.log.Warn().Int64("task_id", task.ID).Str("type", string(task.Type)).
			Err(result.Err).Msg("task failed")
	} else {
		if err := d.store.CompleteTask(task.ID, result.Summary, now); err != nil {
			d.log.Error().Int64("task_id", task.ID).Err(err).Msg("completion write-back failed")
			return
		}
		d.log.Info().Int64("task_id", task.ID).Str("type", string(task.Type)).
			Msg("task completed")
	}
	d.afterTerminal(task.ID, now)
}

// afterTerminal triggers the parent cascade and the notifier for a task that
// just reached a terminal status.
func (d *Dispatcher) afterTerminal(taskID int64, now time.Time) {
	if err := d.cascade.OnTerminal(taskID, now); err != nil {
		d.log.Error().Int64("task_id", taskID).Err(err).Msg("cascade failed")
	}
	if d.notify != nil {
		if task, err := d.store.GetTask(taskID); err == nil {
			d.notify.TaskTerminal(task)
		}
	}
}

// requeueRetries performs the controlled error -> pending re-entry for tasks
// whose backoff has elapsed. Tasks whose failure came from a failed
// dependency are left alone: re-running them cannot succeed until the
// dependency itself recovers.
func (d *Dispatcher) requeueRetries(now time.Time) {
	ready, err := d.retries.Ready(now)
	if err != nil {
		d.log.Error().Err(err).Msg("retry scan failed")
		return
	}

	for _, task := range ready {
		readiness, err := d.graph.Check(task.ID)
		if err != nil {
			d.log.Error().Int64("task_id", task.ID).Err(err).Msg("retry readiness check failed")
			continue
		}
		if readiness.Failed {
			continue
		}

		requeued, err := d.store.RequeueTask(task.ID)
		if err != nil {
			d.log.Error().Int64("task_id", task.ID).Err(err).Msg("requeue failed")
			continue
		}
		if requeued {
			d.log.Info().Int64("task_id", task.ID).Int("retry_count", task.RetryCount).
				Msg("task requeued for retry")
		}
	}
}

// Drain waits for in-flight executions to finish, up to the given timeout.
func (d *Dispatcher) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
