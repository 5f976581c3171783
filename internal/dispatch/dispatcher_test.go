package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaflow/internal/cascade"
	"mediaflow/internal/db"
	"mediaflow/internal/executor"
	"mediaflow/internal/graph"
	"mediaflow/internal/retry"
)

type stubExecutor struct {
	fn func(task *db.Task) executor.Result
}

func (s stubExecutor) Execute(_ context.Context, task *db.Task) executor.Result {
	return s.fn(task)
}

type recordingNotifier struct {
	mu    sync.Mutex
	tasks []*db.Task
}

func (n *recordingNotifier) TaskTerminal(task *db.Task) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tasks = append(n.tasks, task)
}

func (n *recordingNotifier) seen() []*db.Task {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*db.Task(nil), n.tasks...)
}

type fixture struct {
	store *db.DB
	graph *graph.Graph
	disp  *Dispatcher
}

func newFixture(t *testing.T, workers int, exec executor.Executor) *fixture {
	t.Helper()
	store, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := zerolog.Nop()
	g := graph.New(store, log)
	casc := cascade.New(store, log)
	retries := retry.New(store, retry.Policy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Second,
	})

	registry := executor.NewRegistry()
	if exec != nil {
		require.NoError(t, registry.Register(db.TypeShell, exec))
	}

	return &fixture{
		store: store,
		graph: g,
		disp:  New(store, g, retries, casc, registry, workers, log),
	}
}

func (f *fixture) createTask(t *testing.T, task *db.Task) *db.Task {
	t.Helper()
	require.NoError(t, f.store.CreateTask(task))
	return task
}

func (f *fixture) tickAndDrain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.disp.Tick(context.Background(), time.Now().UTC()))
	require.True(t, f.disp.Drain(5*time.Second), "executions must drain")
}

func TestTickCompletesReadyTask(t *testing.T) {
	f := newFixture(t, 4, stubExecutor{fn: func(*db.Task) executor.Result {
		return executor.Result{Summary: "done"}
	}})
	task := f.createTask(t, &db.Task{Type: db.TypeShell})

	f.tickAndDrain(t)

	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, got.Status)
	assert.Equal(t, "done", got.ResultSummary)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
}

func TestTickRecordsFailure(t *testing.T) {
	f := newFixture(t, 4, stubExecutor{fn: func(*db.Task) executor.Result {
		return executor.Result{Err: errors.New("exit status 1")}
	}})
	task := f.createTask(t, &db.Task{Type: db.TypeShell})

	f.tickAndDrain(t)

	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusError, got.Status)
	assert.Equal(t, "exit status 1", got.ErrorMessage)
	assert.Equal(t, 1, got.RetryCount)
}

func TestTickSkipsTaskWithPendingDependency(t *testing.T) {
	f := newFixture(t, 4, stubExecutor{fn: func(task *db.Task) executor.Result {
		return executor.Result{Summary: "done"}
	}})
	dep := f.createTask(t, &db.Task{Type: db.TypeShell})
	task := f.createTask(t, &db.Task{Type: db.TypeShell})
	require.NoError(t, f.graph.AddDependency(task.ID, dep.ID))

	// Park the dependency in running so only readiness gates the dependent.
	claimed, err := f.store.ClaimTask(dep.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, claimed)

	f.tickAndDrain(t)

	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, got.Status, "blocked task must not run")
}

func TestFailFastOnFailedDependency(t *testing.T) {
	f := newFixture(t, 4, stubExecutor{fn: func(*db.Task) executor.Result {
		return executor.Result{Summary: "done"}
	}})
	dep := f.createTask(t, &db.Task{Type: db.TypeShell, Status: db.StatusError})
	task := f.createTask(t, &db.Task{Type: db.TypeShell})
	require.NoError(t, f.graph.AddDependency(task.ID, dep.ID))

	f.tickAndDrain(t)

	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusError, got.Status)
	assert.Contains(t, got.ErrorMessage, "dependency")
	assert.Zero(t, got.RetryCount, "fail-fast consumes no retry budget")
	assert.Nil(t, got.StartedAt, "the task never ran")
}

func TestFailFastRollsUpParent(t *testing.T) {
	f := newFixture(t, 4, stubExecutor{fn: func(*db.Task) executor.Result {
		return executor.Result{Summary: "done"}
	}})
	parent := f.createTask(t, &db.Task{Type: db.TypeBatch})
	dep := f.createTask(t, &db.Task{Type: db.TypeShell, Status: db.StatusError})
	child := f.createTask(t, &db.Task{Type: db.TypeShell, ParentID: &parent.ID})
	require.NoError(t, f.graph.AddDependency(child.ID, dep.ID))

	f.tickAndDrain(t)

	got, err := f.store.GetTask(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusError, got.Status, "cascade runs for fail-fast terminals too")
}

func TestWorkerSlotsBoundConcurrency(t *testing.T) {
	release := make(chan struct{})
	started := make(chan int64, 2)
	f := newFixture(t, 1, stubExecutor{fn: func(task *db.Task) executor.Result {
		started <- task.ID
		<-release
		return executor.Result{Summary: "done"}
	}})

	a := f.createTask(t, &db.Task{Type: db.TypeShell})
	b := f.createTask(t, &db.Task{Type: db.TypeShell})

	require.NoError(t, f.disp.Tick(context.Background(), time.Now().UTC()))

	runningID := <-started
	select {
	case extra := <-started:
		t.Fatalf("second task %d started with one worker slot", extra)
	case <-time.After(50 * time.Millisecond):
	}

	other := a.ID
	if runningID == a.ID {
		other = b.ID
	}
	got, err := f.store.GetTask(other)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, got.Status, "the unclaimed task waits for a later tick")

	close(release)
	require.True(t, f.disp.Drain(5*time.Second))
}

func TestQueuedFiringsRespectMaxInstances(t *testing.T) {
	release := make(chan struct{})
	started := make(chan int64, 2)
	f := newFixture(t, 4, stubExecutor{fn: func(task *db.Task) executor.Result {
		started <- task.ID
		<-release
		return executor.Result{Summary: "done"}
	}})

	template := f.createTask(t, &db.Task{Type: db.TypeShell, Payload: `{"command":"true"}`})
	sched := &db.Schedule{
		TaskID:         template.ID,
		CronExpression: "* * * * *",
		Timezone:       "UTC",
		Enabled:        true,
		MaxInstances:   1,
		OverlapPolicy:  db.OverlapQueue,
	}
	require.NoError(t, f.store.CreateSchedule(sched))

	// Two firings stacked up under the queue policy.
	now := time.Now().UTC()
	first, err := f.store.MaterializeFiring(sched.ID, template, now.Add(-2*time.Minute), now)
	require.NoError(t, err)
	second, err := f.store.MaterializeFiring(sched.ID, template, now.Add(-time.Minute), now)
	require.NoError(t, err)

	require.NoError(t, f.disp.Tick(context.Background(), now))

	runningID := <-started
	select {
	case extra := <-started:
		t.Fatalf("task %d started past the schedule's instance bound", extra)
	case <-time.After(50 * time.Millisecond):
	}

	waiting := second
	if runningID == second {
		waiting = first
	}
	got, err := f.store.GetTask(waiting)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, got.Status, "the second firing waits its turn")

	close(release)
	require.True(t, f.disp.Drain(5*time.Second))

	// With the first instance finished the next tick drains the queue.
	require.NoError(t, f.disp.Tick(context.Background(), time.Now().UTC()))
	<-started
	require.True(t, f.disp.Drain(5*time.Second))

	got, err = f.store.GetTask(waiting)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, got.Status)
}

func TestRequeueAfterBackoff(t *testing.T) {
	f := newFixture(t, 4, stubExecutor{fn: func(*db.Task) executor.Result {
		return executor.Result{Summary: "done"}
	}})
	task := f.createTask(t, &db.Task{Type: db.TypeShell})

	// Fail the first attempt manually, backdated past the backoff window.
	past := time.Now().UTC().Add(-time.Minute)
	claimed, err := f.store.ClaimTask(task.ID, past)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, f.store.FailTask(task.ID, "boom", past))

	// First tick requeues; second tick runs the re-attempt.
	f.tickAndDrain(t)
	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, got.Status)
	assert.Equal(t, "boom", got.ErrorMessage, "error kept until a successful re-attempt")

	f.tickAndDrain(t)
	got, err = f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

func TestRequeueSkipsTaskWithFailedDependency(t *testing.T) {
	f := newFixture(t, 4, stubExecutor{fn: func(*db.Task) executor.Result {
		return executor.Result{Summary: "done"}
	}})
	dep := f.createTask(t, &db.Task{Type: db.TypeShell, Status: db.StatusError})
	task := f.createTask(t, &db.Task{Type: db.TypeShell})
	require.NoError(t, f.graph.AddDependency(task.ID, dep.ID))

	past := time.Now().UTC().Add(-time.Minute)
	claimed, err := f.store.ClaimTask(task.ID, past)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, f.store.FailTask(task.ID, "boom", past))

	f.tickAndDrain(t)

	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusError, got.Status,
		"retrying cannot succeed while the dependency is failed")
}

func TestMissingExecutorFailsTask(t *testing.T) {
	f := newFixture(t, 4, nil)
	task := f.createTask(t, &db.Task{Type: db.TypeShell})

	f.tickAndDrain(t)

	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusError, got.Status)
	assert.Contains(t, got.ErrorMessage, "no executor registered")
}

func TestNotifierSeesTerminalTasks(t *testing.T) {
	f := newFixture(t, 4, stubExecutor{fn: func(*db.Task) executor.Result {
		return executor.Result{Summary: "done"}
	}})
	notifier := &recordingNotifier{}
	f.disp.SetNotifier(notifier)
	task := f.createTask(t, &db.Task{Type: db.TypeShell})

	f.tickAndDrain(t)

	seen := notifier.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, task.ID, seen[0].ID)
	assert.Equal(t, db.StatusCompleted, seen[0].Status)
}
