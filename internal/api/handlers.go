package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-task-service/internal/admission"
	"github.com/JakeFAU/media-task-service/internal/playlist"
	"github.com/JakeFAU/media-task-service/internal/task"
)

const (
	maxBodyBytes = 1 << 20
	maxListLimit = 1000
)

type downloadRequest struct {
	URL        string `json:"url"`
	OutputPath string `json:"output_path"`
	Format     string `json:"format"`
	Quiet      bool   `json:"quiet"`
	Playlist   bool   `json:"playlist"`
}

func (d downloadRequest) toAdmission() admission.Request {
	return admission.Request{URL: d.URL, OutputPath: d.OutputPath, Format: d.Format, Quiet: d.Quiet}
}

type batchDownloadRequest struct {
	Tasks []downloadRequest `json:"tasks"`
}

type batchTasksRequest struct {
	TaskIDs []string `json:"task_ids"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON", task.ErrInvalidRequest)
	}
	return nil
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Playlist && playlist.IsPlaylist(req.URL) {
		decisions, err := s.deps.Admission.AdmitPlaylist(r.Context(), req.toAdmission())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "task_ids": taskIDs(decisions)})
		return
	}
	decision, err := s.deps.Admission.Admit(r.Context(), req.toAdmission())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "task_id": decision.TaskID})
}

func (s *Server) batchDownload(w http.ResponseWriter, r *http.Request) {
	var req batchDownloadRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.Tasks) == 0 {
		s.fail(w, r, fmt.Errorf("%w: tasks must not be empty", task.ErrInvalidRequest))
		return
	}
	reqs := make([]admission.Request, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		reqs = append(reqs, t.toAdmission())
	}
	decisions, err := s.deps.Admission.AdmitBatch(r.Context(), reqs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "task_ids": taskIDs(decisions)})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Query.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": item})
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	decision, err := s.deps.Admission.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "task_id": decision.TaskID})
}

func (s *Server) batchTasks(w http.ResponseWriter, r *http.Request) {
	var req batchTasksRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.deps.Query.Batch(r.Context(), req.TaskIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "success",
		"data":         res.Items,
		"all_finished": res.AllFinished,
	})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items, err := s.deps.Query.List(r.Context(), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": items})
}

func (s *Server) clearTasks(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Clearer.Clear(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "deleted": n})
}

func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Query.Task(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if t.Status != task.StatusCompleted {
		writeError(w, http.StatusBadRequest, "task is not completed")
		return
	}
	path := t.Result.Filename()
	if path == "" {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		s.logger.Warn("downloaded file missing", zap.String("task_id", t.ID), zap.String("path", path))
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": filepath.Base(path)})
	if disposition != "" {
		w.Header().Set("Content-Disposition", disposition)
	}
	http.ServeFile(w, r, path)
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	target, ok := s.probeTarget(w, r)
	if !ok {
		return
	}
	data, err := s.deps.Prober.Info(r.Context(), target)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": data})
}

func (s *Server) formats(w http.ResponseWriter, r *http.Request) {
	target, ok := s.probeTarget(w, r)
	if !ok {
		return
	}
	data, err := s.deps.Prober.Formats(r.Context(), target)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": data})
}

func (s *Server) probeTarget(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.deps.Prober == nil {
		writeError(w, http.StatusNotImplemented, "metadata probing is not configured")
		return "", false
	}
	target := strings.TrimSpace(r.URL.Query().Get("url"))
	if target == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return "", false
	}
	return target, true
}

func taskIDs(decisions []admission.Decision) []string {
	out := make([]string, 0, len(decisions))
	for _, d := range decisions {
		out = append(out, d.TaskID)
	}
	return out
}

func parseListOptions(r *http.Request) (task.ListOptions, error) {
	q := r.URL.Query()
	var opts task.ListOptions
	if raw := q.Get("status"); raw != "" {
		status, ok := task.ParseStatus(raw)
		if !ok {
			return opts, fmt.Errorf("%w: unknown status %q", task.ErrInvalidRequest, raw)
		}
		opts.Status = status
	}
	limit, offset, err := parseLimitOffset(r, 0, maxListLimit)
	if err != nil {
		return opts, fmt.Errorf("%w: %v", task.ErrInvalidRequest, err)
	}
	opts.Limit, opts.Offset = limit, offset
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		opts.Ascending = true
	default:
		return opts, fmt.Errorf("%w: order must be asc or desc", task.ErrInvalidRequest)
	}
	return opts, nil
}

// parseLimitOffset reads paging parameters. A zero default limit means all.
func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
