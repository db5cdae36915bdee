package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-task-service/internal/admission"
	"github.com/JakeFAU/media-task-service/internal/lifecycle"
	"github.com/JakeFAU/media-task-service/internal/metrics"
	"github.com/JakeFAU/media-task-service/internal/query"
	queuemem "github.com/JakeFAU/media-task-service/internal/queue/memory"
	"github.com/JakeFAU/media-task-service/internal/storage/memory"
	"github.com/JakeFAU/media-task-service/internal/task"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type clock struct{}

func (clock) Now() time.Time { return time.Now().UTC() }

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("task-%d", s.n.Add(1)), nil
}

type fakeProber struct {
	err error
}

func (p fakeProber) Info(_ context.Context, url string) (task.Result, error) {
	if p.err != nil {
		return nil, p.err
	}
	return task.Result{"title": "probe", "webpage_url": url}, nil
}

func (p fakeProber) Formats(context.Context, string) ([]any, error) {
	if p.err != nil {
		return nil, p.err
	}
	return []any{map[string]any{"format_id": "18"}}, nil
}

type env struct {
	handler http.Handler
	store   *memory.TaskStore
	queue   *queuemem.Queue
	ctrl    *lifecycle.Controller
}

type envOptions struct {
	apiKey   string
	queueCap int
	prober   task.Prober
	ready    func(context.Context) error
}

func newEnv(t *testing.T, opts envOptions) *env {
	t.Helper()
	if opts.queueCap == 0 {
		opts.queueCap = 32
	}
	store := memory.NewTaskStore()
	queue := queuemem.NewQueue(queuemem.Config{Capacity: opts.queueCap, RejectWhenFull: true})
	ctrl := lifecycle.New(store, queue, clock{}, nil, zap.NewNop())
	admit := admission.New(admission.Deps{
		Store:     store,
		Scheduler: ctrl,
		IDs:       &seqIDs{},
		Clock:     clock{},
		Logger:    zap.NewNop(),
	}, admission.Config{DefaultOutputPath: t.TempDir(), DefaultFormat: "best"})
	srv := NewServer(Deps{
		Admission: admit,
		Query:     query.New(store),
		Clearer:   ctrl,
		Prober:    opts.prober,
		Ready:     opts.ready,
		Logger:    zap.NewNop(),
	}, Config{APIKey: opts.apiKey, RequestTimeout: 5 * time.Second})
	return &env{handler: srv.Handler(), store: store, queue: queue, ctrl: ctrl}
}

func (e *env) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var payload map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	}
	return rec, payload
}

func (e *env) admit(t *testing.T, url string) string {
	t.Helper()
	rec, body := e.do(t, http.MethodPost, "/download", map[string]any{"url": url})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "success", body["status"])
	id, ok := body["task_id"].(string)
	require.True(t, ok)
	return id
}

func TestDownloadPollRetryScenario(t *testing.T) {
	t.Parallel()

	e := newEnv(t, envOptions{})
	ctx := context.Background()

	first := e.admit(t, "https://x/video1")
	again := e.admit(t, "https://x/video1")
	require.Equal(t, first, again)
	require.Equal(t, 1, e.queue.Depth())

	_, err := e.ctrl.Complete(ctx, first, task.Result{"title": "V1"}, time.Second)
	require.NoError(t, err)

	rec, body := e.do(t, http.MethodGet, "/task/"+first, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "completed", data["status"])
	assert.Equal(t, "V1", data["title"])
	assert.NotNil(t, data["result"])
	assert.NotContains(t, data, "error")

	second := e.admit(t, "https://x/video2")
	_, err = e.ctrl.Fail(ctx, second, errors.New("network error"), nil, time.Second)
	require.NoError(t, err)

	_, body = e.do(t, http.MethodGet, "/task/"+second, nil)
	data = body["data"].(map[string]any)
	assert.Equal(t, "failed", data["status"])
	assert.Equal(t, "network error", data["error"])

	retried := e.admit(t, "https://x/video2")
	require.Equal(t, second, retried)

	_, body = e.do(t, http.MethodGet, "/task/"+second, nil)
	data = body["data"].(map[string]any)
	assert.Equal(t, "pending", data["status"])
	assert.NotContains(t, data, "error")
	// video1 once, video2 twice.
	require.Equal(t, 3, e.queue.Depth())
}

func TestRetryEndpoint(t *testing.T) {
	t.Parallel()

	e := newEnv(t, envOptions{})
	id := e.admit(t, "https://x/v")

	rec, body := e.do(t, http.MethodPost, "/task/"+id+"/retry", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "error", body["status"])

	_, err := e.ctrl.Fail(context.Background(), id, errors.New("boom"), nil, 0)
	require.NoError(t, err)

	rec, body = e.do(t, http.MethodPost, "/task/"+id+"/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, id, body["task_id"])

	rec, _ = e.do(t, http.MethodPost, "/task/missing/retry", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadValidation(t *testing.T) {
	t.Parallel()

	e := newEnv(t, envOptions{})

	rec, body := e.do(t, http.MethodPost, "/download", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "error", body["status"])

	rec, _ = e.do(t, http.MethodPost, "/download", map[string]any{"url": "ftp://x/y"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/download", map[string]any{"url": "https://www.youtube.com/playlist?list=PL1", "playlist": true})
	require.Equal(t, http.StatusBadRequest, rec.Code, "playlist expansion is not configured")
}

func TestDownloadQueueFull(t *testing.T) {
	t.Parallel()

	e := newEnv(t, envOptions{queueCap: 1})
	e.admit(t, "https://x/1")

	rec, body := e.do(t, http.MethodPost, "/download", map[string]any{"url": "https://x/2"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, body["error"], "task queue full")
}

func TestBatchDownloadAndBatchTasks(t *testing.T) {
	t.Parallel()

	e := newEnv(t, envOptions{})

	rec, body := e.do(t, http.MethodPost, "/batch_download", map[string]any{
		"tasks": []map[string]any{{"url": "https://x/a"}, {"url": "https://x/b"}, {"url": "https://x/a"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ids := body["task_ids"].([]any)
	require.Len(t, ids, 3)
	require.Equal(t, ids[0], ids[2])

	rec, _ = e.do(t, http.MethodPost, "/batch_download", map[string]any{"tasks": []any{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	a, b := ids[0].(string), ids[1].(string)
	_, err := e.ctrl.Complete(context.Background(), a, task.Result{"title": "A"}, 0)
	require.NoError(t, err)

	_, body = e.do(t, http.MethodPost, "/batch_tasks", map[string]any{"task_ids": []string{a, b, "ghost"}})
	require.Equal(t, false, body["all_finished"])
	data := body["data"].([]any)
	require.Len(t, data, 3)
	require.Equal(t, "not_found", data[2].(map[string]any)["status"])

	_, err = e.ctrl.Fail(context.Background(), b, errors.New("nope"), nil, 0)
	require.NoError(t, err)
	_, body = e.do(t, http.MethodPost, "/batch_tasks", map[string]any{"task_ids": []string{a, b, "ghost"}})
	require.Equal(t, true, body["all_finished"])
}

func TestListAndClearTasks(t *testing.T) {
	t.Parallel()

	e := newEnv(t, envOptions{})
	var ids []string
	for _, u := range []string{"https://x/1", "https://x/2", "https://x/3"} {
		ids = append(ids, e.admit(t, u))
	}

	_, body := e.do(t, http.MethodGet, "/tasks", nil)
	data := body["data"].([]any)
	require.Len(t, data, 3)
	require.Equal(t, ids[2], data[0].(map[string]any)["id"])
	require.Equal(t, ids[0], data[2].(map[string]any)["id"])

	_, body = e.do(t, http.MethodGet, "/tasks?order=asc&limit=2", nil)
	data = body["data"].([]any)
	require.Len(t, data, 2)
	require.Equal(t, ids[0], data[0].(map[string]any)["id"])

	_, err := e.ctrl.Complete(context.Background(), ids[1], task.Result{}, 0)
	require.NoError(t, err)
	_, body = e.do(t, http.MethodGet, "/tasks?status=completed", nil)
	require.Len(t, body["data"].([]any), 1)

	for _, bad := range []string{"/tasks?status=running", "/tasks?limit=0", "/tasks?offset=-1", "/tasks?order=sideways"} {
		rec, _ := e.do(t, http.MethodGet, bad, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}

	rec, body := e.do(t, http.MethodDelete, "/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 3, body["deleted"])

	for _, id := range ids {
		rec, _ := e.do(t, http.MethodGet, "/task/"+id, nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
}

func TestDownloadFile(t *testing.T) {
	t.Parallel()

	e := newEnv(t, envOptions{})
	ctx := context.Background()

	pending := e.admit(t, "https://x/pending")
	rec, _ := e.do(t, http.MethodGet, "/download/"+pending+"/file", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = e.do(t, http.MethodGet, "/download/unknown/file", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	missing := e.admit(t, "https://x/missing")
	_, err := e.ctrl.Complete(ctx, missing, task.Result{"filepath": filepath.Join(t.TempDir(), "gone.mp4")}, 0)
	require.NoError(t, err)
	rec, _ = e.do(t, http.MethodGet, "/download/"+missing+"/file", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	path := filepath.Join(t.TempDir(), "best-clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("media bytes"), 0o600))
	ready := e.admit(t, "https://x/ready")
	_, err = e.ctrl.Complete(ctx, ready, task.Result{"filepath": path}, 0)
	require.NoError(t, err)

	rec, _ = e.do(t, http.MethodGet, "/download/"+ready+"/file", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "media bytes", rec.Body.String())
	require.Contains(t, rec.Header().Get("Content-Disposition"), "best-clip.mp4")
}

func TestProbeRoutes(t *testing.T) {
	t.Parallel()

	e := newEnv(t, envOptions{prober: fakeProber{}})
	rec, body := e.do(t, http.MethodGet, "/info?url=https://x/v", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "probe", body["data"].(map[string]any)["title"])

	rec, body = e.do(t, http.MethodGet, "/formats?url=https://x/v", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["data"].([]any), 1)

	rec, _ = e.do(t, http.MethodGet, "/info", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	failing := newEnv(t, envOptions{prober: fakeProber{err: errors.New("unsupported URL")}})
	rec, body = failing.do(t, http.MethodGet, "/formats?url=https://x/v", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "unsupported URL", body["error"])

	none := newEnv(t, envOptions{})
	rec, _ = none.do(t, http.MethodGet, "/info?url=https://x/v", nil)
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	e := newEnv(t, envOptions{apiKey: "secret"})

	rec, _ := e.do(t, http.MethodGet, "/tasks", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = e.do(t, http.MethodGet, "/tasks?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	// Probes stay open.
	rec, _ = e.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	e := newEnv(t, envOptions{})
	rec, body := e.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	down := newEnv(t, envOptions{ready: func(context.Context) error { return errors.New("store unreachable") }})
	rec, body = down.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "store unreachable", body["error"])

	rec, _ = e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	cases := map[error]int{
		task.ErrInvalidRequest:                         http.StatusBadRequest,
		task.ErrNotFound:                               http.StatusNotFound,
		task.ErrInvalidTransition:                      http.StatusConflict,
		task.ErrQueueFull:                              http.StatusServiceUnavailable,
		task.ErrQueueClosed:                            http.StatusServiceUnavailable,
		context.DeadlineExceeded:                       http.StatusGatewayTimeout,
		errors.New("disk on fire"):                     http.StatusInternalServerError,
		errors.Join(errors.New("x"), task.ErrNotFound): http.StatusNotFound,
	}
	for err, want := range cases {
		require.Equal(t, want, statusFor(err), err.Error())
	}
}
