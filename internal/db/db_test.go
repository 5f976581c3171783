package db

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func mustCreate(t *testing.T, database *DB, task *Task) *Task {
	t.Helper()
	require.NoError(t, database.CreateTask(task))
	return task
}

func TestCreateAndGetTask(t *testing.T) {
	database := newTestDB(t)

	task := mustCreate(t, database, &Task{Type: TypeShell, Payload: `{"command":"true"}`})
	require.NotZero(t, task.ID)
	assert.Equal(t, StatusPending, task.Status)

	got, err := database.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, TypeShell, got.Type)
	assert.Equal(t, `{"command":"true"}`, got.Payload)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)
}

func TestGetTaskNotFound(t *testing.T) {
	database := newTestDB(t)

	_, err := database.GetTask(9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateTaskRejectsUnknownType(t *testing.T) {
	database := newTestDB(t)

	err := database.CreateTask(&Task{Type: "teleport"})
	assert.Error(t, err)
}

func TestClaimTaskExactlyOnce(t *testing.T) {
	database := newTestDB(t)
	task := mustCreate(t, database, &Task{Type: TypeShell})

	const claimers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, claimers)
	now := time.Now().UTC()

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := database.ClaimTask(task.ID, now)
			assert.NoError(t, err)
			wins <- claimed
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for claimed := range wins {
		if claimed {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one claimer may win")

	got, err := database.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestClaimTaskRejectsNonPending(t *testing.T) {
	database := newTestDB(t)
	task := mustCreate(t, database, &Task{Type: TypeShell})
	now := time.Now().UTC()

	claimed, err := database.ClaimTask(task.ID, now)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, database.CompleteTask(task.ID, "done", now))

	claimed, err = database.ClaimTask(task.ID, now)
	require.NoError(t, err)
	assert.False(t, claimed, "completed task must not be claimable")
}

func TestCompleteClearsErrorMessage(t *testing.T) {
	database := newTestDB(t)
	task := mustCreate(t, database, &Task{Type: TypeShell})
	now := time.Now().UTC()

	// First attempt fails.
	claimed, err := database.ClaimTask(task.ID, now)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, database.FailTask(task.ID, "boom", now))

	got, err := database.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "boom", got.ErrorMessage)
	assert.Equal(t, 1, got.RetryCount)

	// Requeue keeps the error message for diagnosis.
	requeued, err := database.RequeueTask(task.ID)
	require.NoError(t, err)
	require.True(t, requeued)

	got, err = database.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "boom", got.ErrorMessage)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)

	// A successful re-attempt clears it.
	claimed, err = database.ClaimTask(task.ID, now)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, database.CompleteTask(task.ID, "ok", now))

	got, err = database.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, "ok", got.ResultSummary)
}

func TestRequeueOnlyFromError(t *testing.T) {
	database := newTestDB(t)
	task := mustCreate(t, database, &Task{Type: TypeShell})

	requeued, err := database.RequeueTask(task.ID)
	require.NoError(t, err)
	assert.False(t, requeued, "pending task must not be requeued")
}

func TestSetTaskStatusGuardsTerminalRows(t *testing.T) {
	database := newTestDB(t)
	task := mustCreate(t, database, &Task{Type: TypeBatch})
	now := time.Now().UTC()

	updated, err := database.SetTaskStatus(task.ID, StatusCompleted, "1/1 completed", now)
	require.NoError(t, err)
	assert.True(t, updated)

	updated, err = database.SetTaskStatus(task.ID, StatusError, "late write", now)
	require.NoError(t, err)
	assert.False(t, updated, "terminal row must not be rewritten")

	got, err := database.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestMarkTaskErrorDoesNotConsumeRetry(t *testing.T) {
	database := newTestDB(t)
	task := mustCreate(t, database, &Task{Type: TypeShell})
	now := time.Now().UTC()

	marked, err := database.MarkTaskError(task.ID, "dependency 3 failed", now)
	require.NoError(t, err)
	require.True(t, marked)

	got, err := database.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestCancelTask(t *testing.T) {
	database := newTestDB(t)
	task := mustCreate(t, database, &Task{Type: TypeShell})
	now := time.Now().UTC()

	cancelled, err := database.CancelTask(task.ID, "replaced by newer firing", now)
	require.NoError(t, err)
	assert.True(t, cancelled)

	cancelled, err = database.CancelTask(task.ID, "again", now)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestDispatchableTasksExcludesBatchAndTemplates(t *testing.T) {
	database := newTestDB(t)

	plain := mustCreate(t, database, &Task{Type: TypeShell})
	mustCreate(t, database, &Task{Type: TypeBatch})
	template := mustCreate(t, database, &Task{Type: TypeTranscribe})
	require.NoError(t, database.CreateSchedule(&Schedule{
		TaskID:         template.ID,
		CronExpression: "0 * * * *",
		Timezone:       "UTC",
		Enabled:        true,
		MaxInstances:   1,
		OverlapPolicy:  OverlapSkip,
	}))

	tasks, err := database.DispatchableTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, plain.ID, tasks[0].ID)
}

func TestFailRunningTasks(t *testing.T) {
	database := newTestDB(t)
	now := time.Now().UTC()

	running := mustCreate(t, database, &Task{Type: TypeShell})
	claimed, err := database.ClaimTask(running.ID, now)
	require.NoError(t, err)
	require.True(t, claimed)
	pending := mustCreate(t, database, &Task{Type: TypeShell})

	n, err := database.FailRunningTasks("interrupted by restart", now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := database.GetTask(running.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	got, err = database.GetTask(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestErroredTasksBelowRetryLimit(t *testing.T) {
	database := newTestDB(t)
	now := time.Now().UTC()

	fail := func(times int) *Task {
		task := mustCreate(t, database, &Task{Type: TypeShell})
		for i := 0; i < times; i++ {
			claimed, err := database.ClaimTask(task.ID, now)
			require.NoError(t, err)
			require.True(t, claimed)
			require.NoError(t, database.FailTask(task.ID, "boom", now))
			if i < times-1 {
				requeued, err := database.RequeueTask(task.ID)
				require.NoError(t, err)
				require.True(t, requeued)
			}
		}
		return task
	}

	eligible := fail(1)
	exhausted := fail(4)
	// Fail-fast victims carry retry_count 0 and never enter the retry scan.
	depFailed := mustCreate(t, database, &Task{Type: TypeShell})
	marked, err := database.MarkTaskError(depFailed.ID, "dependency 1 failed", now)
	require.NoError(t, err)
	require.True(t, marked)

	tasks, err := database.ErroredTasksBelowRetryLimit(3)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, eligible.ID, tasks[0].ID)
	_ = exhausted
}

func TestStaleRunningTasks(t *testing.T) {
	database := newTestDB(t)
	started := time.Now().UTC().Add(-3 * time.Hour)

	task := mustCreate(t, database, &Task{Type: TypeShell})
	claimed, err := database.ClaimTask(task.ID, started)
	require.NoError(t, err)
	require.True(t, claimed)

	fresh := mustCreate(t, database, &Task{Type: TypeShell})
	claimed, err = database.ClaimTask(fresh.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, claimed)

	stale, err := database.StaleRunningTasks(time.Now().UTC().Add(-2 * time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, task.ID, stale[0].ID)
}

func TestMaterializeFiring(t *testing.T) {
	database := newTestDB(t)
	now := time.Now().UTC()
	next := now.Add(time.Hour)

	template := mustCreate(t, database, &Task{Type: TypeMediaIngest, Payload: `{"path":"/media/in"}`})
	sched := &Schedule{
		TaskID:         template.ID,
		CronExpression: "0 * * * *",
		Timezone:       "UTC",
		Enabled:        true,
		MaxInstances:   1,
		OverlapPolicy:  OverlapQueue,
	}
	require.NoError(t, database.CreateSchedule(sched))

	taskID, err := database.MaterializeFiring(sched.ID, template, next, now)
	require.NoError(t, err)
	require.NotZero(t, taskID)
	assert.NotEqual(t, template.ID, taskID, "firing clones the template")

	clone, err := database.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, clone.Status)
	assert.Equal(t, template.Payload, clone.Payload)

	instances, err := database.InstancesForSchedule(sched.ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, taskID, instances[0].TaskID)

	after, err := database.GetSchedule(sched.ID)
	require.NoError(t, err)
	require.NotNil(t, after.NextExecution)
	assert.WithinDuration(t, next, *after.NextExecution, time.Second)
	require.NotNil(t, after.LastExecution)
	assert.EqualValues(t, 1, after.ExecutionCount)
}

func TestAdvanceScheduleWithoutFiring(t *testing.T) {
	database := newTestDB(t)
	now := time.Now().UTC()
	next := now.Add(time.Hour)

	template := mustCreate(t, database, &Task{Type: TypeShell})
	sched := &Schedule{
		TaskID:         template.ID,
		CronExpression: "0 * * * *",
		Timezone:       "UTC",
		Enabled:        true,
		MaxInstances:   1,
		OverlapPolicy:  OverlapSkip,
	}
	require.NoError(t, database.CreateSchedule(sched))

	require.NoError(t, database.AdvanceSchedule(sched.ID, next, false, now))

	after, err := database.GetSchedule(sched.ID)
	require.NoError(t, err)
	require.NotNil(t, after.NextExecution)
	assert.WithinDuration(t, next, *after.NextExecution, time.Second)
	assert.Nil(t, after.LastExecution, "suppressed firing leaves last_execution untouched")
	assert.Zero(t, after.ExecutionCount)
}

func TestDueSchedules(t *testing.T) {
	database := newTestDB(t)
	now := time.Now().UTC()

	template := mustCreate(t, database, &Task{Type: TypeShell})
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := &Schedule{TaskID: template.ID, CronExpression: "* * * * *", Timezone: "UTC",
		Enabled: true, MaxInstances: 1, OverlapPolicy: OverlapSkip, NextExecution: &past}
	require.NoError(t, database.CreateSchedule(due))

	notYet := &Schedule{TaskID: template.ID, CronExpression: "* * * * *", Timezone: "UTC",
		Enabled: true, MaxInstances: 1, OverlapPolicy: OverlapSkip, NextExecution: &future}
	require.NoError(t, database.CreateSchedule(notYet))

	disabled := &Schedule{TaskID: template.ID, CronExpression: "* * * * *", Timezone: "UTC",
		Enabled: false, MaxInstances: 1, OverlapPolicy: OverlapSkip, NextExecution: &past}
	require.NoError(t, database.CreateSchedule(disabled))

	got, err := database.DueSchedules(now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
}

func TestActiveInstanceCountTracksLiveTaskStatus(t *testing.T) {
	database := newTestDB(t)
	now := time.Now().UTC()

	template := mustCreate(t, database, &Task{Type: TypeShell})
	sched := &Schedule{TaskID: template.ID, CronExpression: "* * * * *", Timezone: "UTC",
		Enabled: true, MaxInstances: 1, OverlapPolicy: OverlapSkip}
	require.NoError(t, database.CreateSchedule(sched))

	taskID, err := database.MaterializeFiring(sched.ID, template, now.Add(time.Minute), now)
	require.NoError(t, err)

	active, err := database.ActiveInstanceCount(sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	claimed, err := database.ClaimTask(taskID, now)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, database.CompleteTask(taskID, "done", now))

	// The instance mirror is stale, but the count follows the task row.
	active, err = database.ActiveInstanceCount(sched.ID)
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestReconcileInstances(t *testing.T) {
	database := newTestDB(t)
	now := time.Now().UTC()

	template := mustCreate(t, database, &Task{Type: TypeShell})
	sched := &Schedule{TaskID: template.ID, CronExpression: "* * * * *", Timezone: "UTC",
		Enabled: true, MaxInstances: 1, OverlapPolicy: OverlapSkip}
	require.NoError(t, database.CreateSchedule(sched))

	taskID, err := database.MaterializeFiring(sched.ID, template, now.Add(time.Minute), now)
	require.NoError(t, err)

	claimed, err := database.ClaimTask(taskID, now)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, database.CompleteTask(taskID, "done", now))

	n, err := database.ReconcileInstances()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	instances, err := database.InstancesForSchedule(sched.ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, StatusCompleted, instances[0].Status)
	assert.Equal(t, "done", instances[0].ResultSummary)
}

func TestChildTasksAndBatchParents(t *testing.T) {
	database := newTestDB(t)

	parent := mustCreate(t, database, &Task{Type: TypeBatch})
	a := mustCreate(t, database, &Task{Type: TypeShell, ParentID: &parent.ID})
	b := mustCreate(t, database, &Task{Type: TypeShell, ParentID: &parent.ID})

	children, err := database.ChildTasks(parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, a.ID, children[0].ID)
	assert.Equal(t, b.ID, children[1].ID)

	parents, err := database.NonTerminalBatchParents()
	require.NoError(t, err)
	require.Len(t, parents, 1)
	assert.Equal(t, parent.ID, parents[0].ID)
}
