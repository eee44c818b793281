package lifecycle_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-lifecycle/internal/lifecycle"
	"task-lifecycle/internal/models"
	"task-lifecycle/internal/store"
	"task-lifecycle/internal/telemetry"
)

// stepClock advances by one millisecond on every call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestStore(t *testing.T) *store.SQLite {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(context.Background()))
	return st
}

func newTestService(t *testing.T, opts ...lifecycle.Option) (*lifecycle.Service, *store.SQLite) {
	t.Helper()
	st := newTestStore(t)
	opts = append([]lifecycle.Option{lifecycle.WithClock(newStepClock().Now)}, opts...)
	return lifecycle.NewService(st, opts...), st
}

func createTask(t *testing.T, svc *lifecycle.Service, name string, p models.Priority) models.Task {
	t.Helper()
	task, err := svc.CreateTask(context.Background(), lifecycle.NewTask{Name: name, Type: "report", Priority: p, Parameters: `{"k":1}`})
	require.NoError(t, err)
	return task
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.TransitionEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev models.TransitionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func TestCreateTaskSeedsHistory(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	task := createTask(t, svc, "nightly", models.PriorityHigh)
	assert.Equal(t, models.StatusPending, task.Status)
	assert.NotZero(t, task.ID)

	entries, err := svc.History(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.StatusPending, entries[0].Status)
	assert.Equal(t, "task created", entries[0].Message)
	assert.Equal(t, task.ID, entries[0].TaskID)
}

func TestCreateTaskRequiresNameAndType(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateTask(context.Background(), lifecycle.NewTask{Name: " ", Type: "x"})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTask)
}

func TestApplyTransitionHappyPath(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	task := createTask(t, svc, "a", models.PriorityLow)

	tr, err := svc.ApplyTransition(ctx, task.ID, models.StatusInProgress, "picked up")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, tr.From)
	assert.Equal(t, models.StatusInProgress, tr.Task.Status)
	assert.True(t, tr.Task.UpdatedAt.After(task.UpdatedAt))
	assert.True(t, tr.Entry.Timestamp.Equal(tr.Task.UpdatedAt))

	tr, err = svc.ApplyTransition(ctx, task.ID, models.StatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, tr.Task.Status)

	entries, err := svc.History(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []models.Status{models.StatusCompleted, models.StatusInProgress, models.StatusPending},
		[]models.Status{entries[0].Status, entries[1].Status, entries[2].Status})
	assert.Equal(t, "picked up", entries[1].Message)
	assert.Empty(t, entries[0].Message)
}

func TestApplyTransitionRejections(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	task := createTask(t, svc, "a", models.PriorityLow)

	_, err := svc.ApplyTransition(ctx, task.ID, models.StatusPending, "")
	require.True(t, lifecycle.IsIllegalTransition(err))
	assert.Equal(t, "task is already pending", err.Error())

	_, err = svc.ApplyTransition(ctx, task.ID, models.StatusCompleted, "")
	require.True(t, lifecycle.IsIllegalTransition(err))
	assert.Equal(t, "only in_progress tasks can be marked completed", err.Error())

	_, err = svc.ApplyTransition(ctx, task.ID+99, models.StatusInProgress, "")
	assert.ErrorIs(t, err, lifecycle.ErrTaskNotFound)
	assert.False(t, lifecycle.IsIllegalTransition(err))

	entries, err := svc.History(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "rejections must not write history")

	got, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.True(t, got.UpdatedAt.Equal(task.UpdatedAt))
}

func TestSecondStartFailsAfterFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	task := createTask(t, svc, "a", models.PriorityLow)

	_, err := svc.ApplyTransition(ctx, task.ID, models.StatusInProgress, "first")
	require.NoError(t, err)
	_, err = svc.ApplyTransition(ctx, task.ID, models.StatusInProgress, "second")
	require.True(t, lifecycle.IsIllegalTransition(err))
}

func TestCompletedIsTerminal(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	task := createTask(t, svc, "a", models.PriorityLow)
	_, err := svc.ApplyTransition(ctx, task.ID, models.StatusInProgress, "")
	require.NoError(t, err)
	_, err = svc.ApplyTransition(ctx, task.ID, models.StatusCompleted, "")
	require.NoError(t, err)

	for _, to := range []models.Status{models.StatusPending, models.StatusInProgress, models.StatusCompleted} {
		_, err := svc.ApplyTransition(ctx, task.ID, to, "")
		assert.True(t, lifecycle.IsIllegalTransition(err), "completed -> %s", to)
	}
}

func TestConcurrentCompleteExactlyOneWins(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	task := createTask(t, svc, "race", models.PriorityHigh)
	_, err := svc.ApplyTransition(ctx, task.ID, models.StatusInProgress, "")
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ApplyTransition(ctx, task.ID, models.StatusCompleted, "done")
		}(i)
	}
	wg.Wait()

	var ok, illegal int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case lifecycle.IsIllegalTransition(err):
			illegal++
			assert.Equal(t, "task is already completed", err.Error())
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, illegal)

	entries, err := svc.History(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestLedgerNeverGoesBackwards(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	svc := lifecycle.NewService(st, lifecycle.WithClock(func() time.Time { return created }))
	task := createTask(t, svc, "skew", models.PriorityLow)

	skewed := lifecycle.NewService(st, lifecycle.WithClock(func() time.Time { return created.Add(-time.Hour) }))
	tr, err := skewed.ApplyTransition(ctx, task.ID, models.StatusInProgress, "")
	require.NoError(t, err)
	assert.True(t, tr.Entry.Timestamp.Equal(task.UpdatedAt))
	assert.True(t, tr.Task.UpdatedAt.Equal(task.UpdatedAt))
}

func TestHistoryEdgesFollowTable(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	attempts := []models.Status{
		models.StatusCompleted, models.StatusInProgress, models.StatusPending,
		models.StatusInProgress, models.StatusCompleted, models.StatusPending, models.StatusInProgress,
	}
	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, createTask(t, svc, "p", models.PriorityMedium).ID)
	}
	for i, to := range attempts {
		_, _ = svc.ApplyTransition(ctx, ids[i%len(ids)], to, "")
	}
	_, err := svc.ExecuteAllPending(ctx)
	require.NoError(t, err)

	for _, id := range ids {
		entries, err := svc.History(ctx, id)
		require.NoError(t, err)
		require.NotEmpty(t, entries)
		assert.Equal(t, models.StatusPending, entries[len(entries)-1].Status)
		for i := len(entries) - 1; i > 0; i-- {
			older, newer := entries[i], entries[i-1]
			assert.NoError(t, lifecycle.CheckTransition(older.Status, newer.Status),
				"task %d: %s -> %s", id, older.Status, newer.Status)
			assert.False(t, newer.Timestamp.Before(older.Timestamp))
		}
	}
}

func TestDeleteTaskCascadesHistory(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	task := createTask(t, svc, "gone", models.PriorityLow)
	_, err := svc.ApplyTransition(ctx, task.ID, models.StatusInProgress, "")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteTask(ctx, task.ID))

	_, err = svc.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, lifecycle.ErrTaskNotFound)
	_, err = svc.History(ctx, task.ID)
	assert.ErrorIs(t, err, lifecycle.ErrTaskNotFound)

	orphans, err := st.History(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	assert.ErrorIs(t, svc.DeleteTask(ctx, task.ID), lifecycle.ErrTaskNotFound)
}

type fakeArchiver struct {
	err     error
	task    models.Task
	entries []models.HistoryEntry
}

func (a *fakeArchiver) ArchiveHistory(_ context.Context, task models.Task, entries []models.HistoryEntry) (string, error) {
	a.task, a.entries = task, entries
	return "mem://archive", a.err
}

func TestDeleteTaskArchivesFirst(t *testing.T) {
	arch := &fakeArchiver{}
	svc, _ := newTestService(t, lifecycle.WithArchiver(arch))
	ctx := context.Background()
	task := createTask(t, svc, "keep", models.PriorityLow)
	_, err := svc.ApplyTransition(ctx, task.ID, models.StatusInProgress, "")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteTask(ctx, task.ID))
	assert.Equal(t, task.ID, arch.task.ID)
	assert.Len(t, arch.entries, 2)
}

func TestDeleteTaskArchiveFailureKeepsTask(t *testing.T) {
	arch := &fakeArchiver{err: errors.New("bucket gone")}
	svc, _ := newTestService(t, lifecycle.WithArchiver(arch))
	ctx := context.Background()
	task := createTask(t, svc, "keep", models.PriorityLow)

	err := svc.DeleteTask(ctx, task.ID)
	require.Error(t, err)
	assert.True(t, lifecycle.IsStorageFailure(err))

	entries, err := svc.History(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPublisherReceivesCommittedTransitions(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("redis down")}
	svc, _ := newTestService(t, lifecycle.WithPublisher(pub))
	ctx := context.Background()
	task := createTask(t, svc, "e", models.PriorityLow)

	_, err := svc.ApplyTransition(ctx, task.ID, models.StatusInProgress, "go")
	require.NoError(t, err, "publish failures must not fail the transition")
	_, _ = svc.ApplyTransition(ctx, task.ID, models.StatusPending, "")

	require.Len(t, pub.events, 2)
	assert.Equal(t, models.StatusPending, pub.events[0].To)
	assert.Equal(t, models.StatusPending, pub.events[1].From)
	assert.Equal(t, models.StatusInProgress, pub.events[1].To)
	assert.Equal(t, "go", pub.events[1].Message)
	assert.Equal(t, lifecycle.SourceAPI, pub.events[1].Source)
}

func TestListTasksFilters(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a := createTask(t, svc, "a", models.PriorityHigh)
	createTask(t, svc, "b", models.PriorityLow)
	_, err := svc.ApplyTransition(ctx, a.ID, models.StatusInProgress, "")
	require.NoError(t, err)

	inProgress, err := svc.ListTasks(ctx, lifecycle.TaskFilter{Status: models.StatusInProgress})
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	assert.Equal(t, a.ID, inProgress[0].ID)
}

func TestUpdateTaskLeavesStatusAndLedger(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	task := createTask(t, svc, "draft", models.PriorityLow)

	name := "final"
	high := models.PriorityHigh
	updated, err := svc.UpdateTask(ctx, task.ID, lifecycle.TaskPatch{Name: &name, Priority: &high})
	require.NoError(t, err)
	assert.Equal(t, "final", updated.Name)
	assert.Equal(t, models.PriorityHigh, updated.Priority)
	assert.Equal(t, "report", updated.Type)
	assert.Equal(t, models.StatusPending, updated.Status)
	assert.True(t, updated.UpdatedAt.After(task.UpdatedAt))

	entries, err := svc.History(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	bogus := models.Priority("urgent")
	_, err = svc.UpdateTask(ctx, task.ID, lifecycle.TaskPatch{Priority: &bogus})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTask)

	_, err = svc.UpdateTask(ctx, task.ID+1000, lifecycle.TaskPatch{Name: &name})
	assert.ErrorIs(t, err, lifecycle.ErrTaskNotFound)
}

func countSeries(c prometheus.Collector) int {
	ch := make(chan prometheus.Metric, 256)
	c.Collect(ch)
	close(ch)
	return len(ch)
}

func TestUnknownStatusDoesNotGrowMetricLabels(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	task := createTask(t, svc, "a", models.PriorityLow)

	before := countSeries(telemetry.TransitionsRejected)
	for i := 0; i < 20; i++ {
		_, err := svc.ApplyTransition(ctx, task.ID, models.Status(fmt.Sprintf("junk-%d", i)), "")
		require.True(t, lifecycle.IsIllegalTransition(err))
		assert.Contains(t, err.Error(), "unknown status")
	}
	after := countSeries(telemetry.TransitionsRejected)
	assert.LessOrEqual(t, after-before, 1, "all unknown statuses share one label value")
}
