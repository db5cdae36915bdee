package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-task-service/internal/task"
)

func openStore(t *testing.T) *TaskStore {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "db", "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func newTask(id, url string, created time.Time) *task.Task {
	return &task.Task{
		ID: id, URL: url, OutputPath: "./downloads", Format: "best",
		Status: task.StatusPending, CreatedAt: created, UpdatedAt: created,
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), " ")
	require.Error(t, err)
}

func TestCreateAndDedupe(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	stored, created, err := store.Create(ctx, newTask("t1", "https://x/v1", now))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "t1", stored.ID)

	stored, created, err = store.Create(ctx, newTask("t2", "https://x/v1", now))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "t1", stored.ID)

	got, err := store.FindByURL(ctx, "https://x/v1")
	require.NoError(t, err)
	require.Equal(t, now, got.CreatedAt)
	require.Equal(t, task.StatusPending, got.Status)

	_, err = store.Get(ctx, "t2")
	require.ErrorIs(t, err, task.ErrNotFound)
}

func TestConcurrentCreateSingleRow(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var wg sync.WaitGroup
	ids := make(chan string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stored, _, err := store.Create(ctx, newTask(fmt.Sprintf("t%d", i), "https://x/race", now))
			require.NoError(t, err)
			ids <- stored.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[string]struct{}{}
	for id := range ids {
		seen[id] = struct{}{}
	}
	require.Len(t, seen, 1)
}

func TestUpdatePersistsResult(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	_, _, err := store.Create(ctx, newTask("t1", "https://x/v1", now))
	require.NoError(t, err)

	_, err = store.Update(ctx, "t1", func(t *task.Task) error {
		t.Status = task.StatusCompleted
		t.Title = "V1"
		t.Result = task.Result{"title": "V1", "tags": []any{"a", "b"}}
		t.UpdatedAt = now.Add(time.Minute)
		return nil
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, got.Status)
	require.Equal(t, "V1", got.Title)
	require.Equal(t, []any{"a", "b"}, got.Result["tags"])
	require.Equal(t, now.Add(time.Minute), got.UpdatedAt)

	_, err = store.Update(ctx, "t1", func(*task.Task) error { return task.ErrInvalidTransition })
	require.ErrorIs(t, err, task.ErrInvalidTransition)

	_, err = store.Update(ctx, "missing", func(*task.Task) error { return nil })
	require.ErrorIs(t, err, task.ErrNotFound)
}

func TestListGetManyDeleteAll(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	for i := 1; i <= 4; i++ {
		tk := newTask(fmt.Sprintf("t%d", i), fmt.Sprintf("https://x/%d", i), base.Add(time.Duration(i)*time.Second))
		if i == 3 {
			tk.Status = task.StatusFailed
			tk.Error = "network error"
		}
		_, _, err := store.Create(ctx, tk)
		require.NoError(t, err)
	}

	all, err := store.List(ctx, task.ListOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"t4", "t3", "t2", "t1"}, taskIDs(all))

	page, err := store.List(ctx, task.ListOptions{Ascending: true, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"t2", "t3"}, taskIDs(page))

	failed, err := store.List(ctx, task.ListOptions{Status: task.StatusFailed})
	require.NoError(t, err)
	require.Equal(t, []string{"t3"}, taskIDs(failed))

	found, err := store.GetMany(ctx, []string{"t1", "t4", "nope"})
	require.NoError(t, err)
	require.Len(t, found, 2)

	n, err := store.DeleteAll(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 4, n)
	_, err = store.Get(ctx, "t1")
	require.ErrorIs(t, err, task.ErrNotFound)
}

func taskIDs(tasks []*task.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}
