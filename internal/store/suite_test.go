package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-lifecycle/internal/lifecycle"
	"task-lifecycle/internal/models"
)

// runBackendSuite exercises the lifecycle.Store contract against a migrated, empty backend.
func runBackendSuite(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("InsertAndGet", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()
		created := insertTask(t, st, "build", models.PriorityHigh, time.Now())

		got, err := st.GetTask(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "build", got.Name)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Equal(t, models.PriorityHigh, got.Priority)
		assert.True(t, created.CreatedAt.Equal(got.CreatedAt))

		_, err = st.GetTask(ctx, created.ID+1000)
		assert.ErrorIs(t, err, lifecycle.ErrTaskNotFound)
	})

	t.Run("SetStatusAndHistoryOrder", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Microsecond)
		task := insertTask(t, st, "ship", models.PriorityLow, base)

		err := st.InTx(ctx, func(ctx context.Context, tx lifecycle.Tx) error {
			status, updated, err := tx.TaskStatus(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusPending, status)
			assert.True(t, updated.Equal(base))

			at := base.Add(time.Second)
			updatedTask, err := tx.SetStatus(ctx, task.ID, models.StatusInProgress, at)
			require.NoError(t, err)
			assert.Equal(t, models.StatusInProgress, updatedTask.Status)
			assert.True(t, updatedTask.UpdatedAt.Equal(at))

			_, err = tx.AppendHistory(ctx, models.HistoryEntry{TaskID: task.ID, Status: models.StatusInProgress, Timestamp: at, Message: "go"})
			return err
		})
		require.NoError(t, err)

		entries, err := st.History(ctx, task.ID)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, models.StatusInProgress, entries[0].Status)
		assert.Equal(t, "go", entries[0].Message)
		assert.Equal(t, models.StatusPending, entries[1].Status)
		assert.Greater(t, entries[0].ID, entries[1].ID)
	})

	t.Run("SetDetailsKeepsStatus", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Microsecond)
		task := insertTask(t, st, "draft", models.PriorityLow, base)

		err := st.InTx(ctx, func(ctx context.Context, tx lifecycle.Tx) error {
			task.Name = "final"
			task.Priority = models.PriorityHigh
			task.Parameters = `{"k":1}`
			task.UpdatedAt = base.Add(time.Minute)
			got, err := tx.SetDetails(ctx, task)
			require.NoError(t, err)
			assert.Equal(t, "final", got.Name)
			assert.Equal(t, models.PriorityHigh, got.Priority)
			assert.Equal(t, models.StatusPending, got.Status)

			_, err = tx.SetDetails(ctx, models.Task{ID: task.ID + 1000, Name: "x", Type: "t", Priority: models.PriorityLow})
			assert.ErrorIs(t, err, lifecycle.ErrTaskNotFound)
			return nil
		})
		require.NoError(t, err)

		entries, err := st.History(ctx, task.ID)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("ConcurrentCompleteLocksRow", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Microsecond)
		task := insertTask(t, st, "race", models.PriorityMedium, base)
		require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx lifecycle.Tx) error {
			_, err := tx.SetStatus(ctx, task.ID, models.StatusInProgress, base.Add(time.Second))
			return err
		}))

		const workers = 2
		var (
			wg       sync.WaitGroup
			writes   atomic.Int32
			observed = make([]models.Status, workers)
			errs     = make([]error, workers)
			start    = make(chan struct{})
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				errs[i] = st.InTx(ctx, func(ctx context.Context, tx lifecycle.Tx) error {
					status, _, err := tx.TaskStatus(ctx, task.ID)
					if err != nil {
						return err
					}
					observed[i] = status
					if status != models.StatusInProgress {
						return nil
					}
					// Hold the row so the other unit has to wait on it.
					time.Sleep(50 * time.Millisecond)
					if _, err := tx.SetStatus(ctx, task.ID, models.StatusCompleted, base.Add(2*time.Second)); err != nil {
						return err
					}
					writes.Add(1)
					return nil
				})
			}(i)
		}
		close(start)
		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}
		assert.Equal(t, int32(1), writes.Load(), "exactly one unit may complete the task")
		assert.ElementsMatch(t, []models.Status{models.StatusInProgress, models.StatusCompleted}, observed,
			"the losing unit must read the committed status")

		got, err := st.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()
		boom := errors.New("boom")
		var id int64
		err := st.InTx(ctx, func(ctx context.Context, tx lifecycle.Tx) error {
			task, err := tx.InsertTask(ctx, models.Task{Name: "x", Type: "t", Priority: models.PriorityLow, Status: models.StatusPending, CreatedAt: time.Now(), UpdatedAt: time.Now()})
			require.NoError(t, err)
			id = task.ID
			return boom
		})
		assert.ErrorIs(t, err, boom)
		_, err = st.GetTask(ctx, id)
		assert.ErrorIs(t, err, lifecycle.ErrTaskNotFound)
	})

	t.Run("DeleteRemovesHistory", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()
		task := insertTask(t, st, "drop", models.PriorityMedium, time.Now())

		err := st.InTx(ctx, func(ctx context.Context, tx lifecycle.Tx) error {
			n, err := tx.DeleteHistory(ctx, task.ID)
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)
			return tx.DeleteTask(ctx, task.ID)
		})
		require.NoError(t, err)

		entries, err := st.History(ctx, task.ID)
		require.NoError(t, err)
		assert.Empty(t, entries)

		err = st.InTx(ctx, func(ctx context.Context, tx lifecycle.Tx) error {
			return tx.DeleteTask(ctx, task.ID)
		})
		assert.ErrorIs(t, err, lifecycle.ErrTaskNotFound)
	})

	t.Run("ForeignKeyCascade", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()
		task := insertTask(t, st, "cascade", models.PriorityMedium, time.Now())

		err := st.InTx(ctx, func(ctx context.Context, tx lifecycle.Tx) error {
			return tx.DeleteTask(ctx, task.ID)
		})
		require.NoError(t, err)
		entries, err := st.History(ctx, task.ID)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("ListFilters", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()
		base := time.Now()
		a := insertTask(t, st, "a", models.PriorityHigh, base)
		b := insertTask(t, st, "b", models.PriorityLow, base.Add(time.Millisecond))
		require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx lifecycle.Tx) error {
			_, err := tx.SetStatus(ctx, a.ID, models.StatusInProgress, base.Add(time.Second))
			return err
		}))

		all, err := st.ListTasks(ctx, lifecycle.TaskFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, b.ID, all[0].ID, "newest first")

		pending, err := st.ListTasks(ctx, lifecycle.TaskFilter{Status: models.StatusPending})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, b.ID, pending[0].ID)

		high, err := st.ListTasks(ctx, lifecycle.TaskFilter{Priority: models.PriorityHigh, Type: "test"})
		require.NoError(t, err)
		require.Len(t, high, 1)
		assert.Equal(t, a.ID, high[0].ID)

		none, err := st.ListTasks(ctx, lifecycle.TaskFilter{Type: "other"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("UnknownTaskInTx", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()
		err := st.InTx(ctx, func(ctx context.Context, tx lifecycle.Tx) error {
			_, _, err := tx.TaskStatus(ctx, 424242)
			return err
		})
		assert.ErrorIs(t, err, lifecycle.ErrTaskNotFound)
	})
}

func insertTask(t *testing.T, st Backend, name string, p models.Priority, at time.Time) models.Task {
	t.Helper()
	at = at.UTC().Truncate(time.Microsecond)
	var out models.Task
	err := st.InTx(context.Background(), func(ctx context.Context, tx lifecycle.Tx) error {
		task, err := tx.InsertTask(ctx, models.Task{
			Name:      name,
			Type:      "test",
			Priority:  p,
			Status:    models.StatusPending,
			CreatedAt: at,
			UpdatedAt: at,
		})
		if err != nil {
			return err
		}
		_, err = tx.AppendHistory(ctx, models.HistoryEntry{TaskID: task.ID, Status: models.StatusPending, Timestamp: at, Message: "task created"})
		out = task
		return err
	})
	require.NoError(t, err)
	return out
}
