// Package cascade rolls terminal status up from child tasks to their batch
// parents. The walk is iterative, bounded by tree depth, so deep batch
// hierarchies cannot grow the call stack.
package cascade

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mediaflow/internal/db"
)

// Cascade propagates terminal child status to ancestors.
type Cascade struct {
	store *db.DB
	log   zerolog.Logger
}

// New creates a Cascade over the given store.
func New(store *db.DB, log zerolog.Logger) *Cascade {
	return &Cascade{store: store, log: log.With().Str("component", "cascade").Logger()}
}

// OnTerminal is invoked whenever taskID reaches a terminal status. It walks
// up the parent chain: a parent rolls up only once every child is terminal,
// taking error if any child errored and completed otherwise. The rollup is
// the only path by which a batch parent's status changes.
func (c *Cascade) OnTerminal(taskID int64, now time.Time) error {
	task, err := c.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.ParentID == nil {
		return nil
	}
	return c.rollFrom(*task.ParentID, now)
}

// TryRollUp attempts the rollup starting directly at a parent. Used by
// housekeeping to catch up parents whose last child terminated right before
// a crash.
func (c *Cascade) TryRollUp(parentID int64, now time.Time) error {
	return c.rollFrom(parentID, now)
}

// rollFrom walks upward from parentID, rolling up each ancestor whose
// children are all terminal.
func (c *Cascade) rollFrom(parentID int64, now time.Time) error {
	for {
		children, err := c.store.ChildTasks(parentID)
		if err != nil {
			return err
		}

		status, summary, done := rollup(children)
		if !done {
			return nil
		}

		updated, err := c.store.SetTaskStatus(parentID, status, summary, now)
		if err != nil {
			return err
		}
		if !updated {
			// Another terminal child already rolled this parent up.
			return nil
		}

		c.log.Info().Int64("parent_id", parentID).Str("status", string(status)).
			Str("summary", summary).Msg("parent rolled up")

		parent, err := c.store.GetTask(parentID)
		if err != nil {
			return err
		}
		if parent.ParentID == nil {
			return nil
		}
		parentID = *parent.ParentID
	}
}

// rollup derives the parent outcome from its children. done is false while
// any child is still non-terminal.
func rollup(children []*db.Task) (db.TaskStatus, string, bool) {
	if len(children) == 0 {
		return "", "", false
	}

	var completed, errored, skipped, cancelled int
	for _, child := range children {
		switch child.Status {
		case db.StatusCompleted:
			completed++
		case db.StatusError:
			errored++
		case db.StatusSkipped:
			skipped++
		case db.StatusCancelled:
			cancelled++
		default:
			return "", "", false
		}
	}

	status := db.StatusCompleted
	if errored > 0 {
		status = db.StatusError
	}
	summary := fmt.Sprintf("%d/%d completed, %d errored, %d skipped, %d cancelled",
		completed, len(children), errored, skipped, cancelled)
	return status, summary, true
}
