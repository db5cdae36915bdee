package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-task-service/internal/events"
	"github.com/JakeFAU/media-task-service/internal/lifecycle"
	"github.com/JakeFAU/media-task-service/internal/metrics"
	queuemem "github.com/JakeFAU/media-task-service/internal/queue/memory"
	"github.com/JakeFAU/media-task-service/internal/storage/memory"
	"github.com/JakeFAU/media-task-service/internal/task"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type extractFunc func(ctx context.Context, job task.Job) (task.Result, error)

func (f extractFunc) Extract(ctx context.Context, job task.Job) (task.Result, error) {
	return f(ctx, job)
}

type fakeArchiver struct {
	uri string
	err error
}

func (a fakeArchiver) Archive(context.Context, string, task.Result) (string, error) {
	return a.uri, a.err
}

type blockingLimiter struct{}

func (blockingLimiter) Wait(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

type fixture struct {
	store *memory.TaskStore
	queue *queuemem.Queue
	ctrl  *lifecycle.Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewTaskStore()
	queue := queuemem.NewQueue(queuemem.Config{Capacity: 8, RejectWhenFull: true})
	t.Cleanup(queue.Close)
	return &fixture{
		store: store,
		queue: queue,
		ctrl:  lifecycle.New(store, queue, systemClock{}, events.Discard{}, zap.NewNop()),
	}
}

func (f *fixture) submit(t *testing.T, id string) {
	t.Helper()
	now := time.Now().UTC()
	created, _, err := f.store.Create(context.Background(), &task.Task{
		ID: id, URL: "https://example.com/" + id, OutputPath: t.TempDir(), Format: "best",
		Status: task.StatusPending, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, f.ctrl.Schedule(context.Background(), created, true))
}

func (f *fixture) waitStatus(t *testing.T, id string, want task.Status) *task.Task {
	t.Helper()
	var got *task.Task
	require.Eventually(t, func() bool {
		tk, err := f.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = tk
		return tk.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func (f *fixture) start(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(cancel)
	return cancel
}

func TestWorkerCompletesTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ext := extractFunc(func(_ context.Context, job task.Job) (task.Result, error) {
		return task.Result{"title": "Clip " + job.TaskID, "filepath": "/tmp/clip.mp4"}, nil
	})
	f.start(t, New(1, f.queue, ext, f.ctrl, nil, fakeArchiver{uri: "memory://a"}, systemClock{}, Config{}, zap.NewNop()))

	f.submit(t, "t1")
	got := f.waitStatus(t, "t1", task.StatusCompleted)
	require.Equal(t, "Clip t1", got.Title)
	require.Equal(t, "memory://a", got.Result["archive_uri"])
	require.Empty(t, got.Error)
}

func TestWorkerRecordsArchiveErrorButCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ext := extractFunc(func(context.Context, task.Job) (task.Result, error) {
		return task.Result{"title": "x"}, nil
	})
	archiver := fakeArchiver{err: errors.New("bucket unavailable")}
	f.start(t, New(1, f.queue, ext, f.ctrl, nil, archiver, systemClock{}, Config{}, zap.NewNop()))

	f.submit(t, "t1")
	got := f.waitStatus(t, "t1", task.StatusCompleted)
	require.Equal(t, "bucket unavailable", got.Result["archive_error"])
}

func TestWorkerFailsTaskWithPartialResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ext := extractFunc(func(context.Context, task.Job) (task.Result, error) {
		return task.Result{"title": "half"}, errors.New("HTTP Error 403")
	})
	f.start(t, New(1, f.queue, ext, f.ctrl, nil, nil, systemClock{}, Config{}, zap.NewNop()))

	f.submit(t, "t1")
	got := f.waitStatus(t, "t1", task.StatusFailed)
	require.Equal(t, "HTTP Error 403", got.Error)
	require.Equal(t, "half", got.Result.Title())
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	calls := 0
	var mu sync.Mutex
	ext := extractFunc(func(context.Context, task.Job) (task.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			panic("decoder exploded")
		}
		return task.Result{"title": "ok"}, nil
	})
	f.start(t, New(1, f.queue, ext, f.ctrl, nil, nil, systemClock{}, Config{}, zap.NewNop()))

	f.submit(t, "t1")
	got := f.waitStatus(t, "t1", task.StatusFailed)
	require.Contains(t, got.Error, "decoder exploded")

	// The worker keeps serving after the panic.
	f.submit(t, "t2")
	f.waitStatus(t, "t2", task.StatusCompleted)
}

func TestWorkerAppliesTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ext := extractFunc(func(ctx context.Context, _ task.Job) (task.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f.start(t, New(1, f.queue, ext, f.ctrl, nil, nil, systemClock{}, Config{Timeout: 20 * time.Millisecond}, zap.NewNop()))

	f.submit(t, "t1")
	got := f.waitStatus(t, "t1", task.StatusFailed)
	require.Contains(t, got.Error, context.DeadlineExceeded.Error())
}

func TestWorkerFinishesInFlightExtractionAfterCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	ext := extractFunc(func(ctx context.Context, _ task.Job) (task.Result, error) {
		close(started)
		<-release
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return task.Result{"title": "survived"}, nil
	})
	w := New(1, f.queue, ext, f.ctrl, nil, nil, systemClock{}, Config{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	f.submit(t, "t1")
	<-started
	cancel()
	close(release)

	got := f.waitStatus(t, "t1", task.StatusCompleted)
	require.Equal(t, "survived", got.Title)
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestWorkerLeavesTaskPendingWhenRateLimitAborted(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ext := extractFunc(func(context.Context, task.Job) (task.Result, error) {
		t.Error("extractor must not run")
		return nil, nil
	})
	w := New(1, f.queue, ext, f.ctrl, blockingLimiter{}, nil, systemClock{}, Config{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	f.submit(t, "t1")
	require.Eventually(t, func() bool { return f.queue.Depth() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	got, err := f.store.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, got.Status)
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	w := New(1, f.queue, extractFunc(func(context.Context, task.Job) (task.Result, error) {
		return task.Result{}, nil
	}), f.ctrl, nil, nil, systemClock{}, Config{}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	f.queue.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}
