package task

import (
	"strings"
	"time"
)

// Status represents the lifecycle state of a download task.
type Status string

// Task status values persisted in the task store.
const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether s ends an attempt.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus converts user input into a Status.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// Result is the structured metadata produced by a successful extraction.
type Result map[string]any

// Title returns result["title"] when it is a non-empty string.
func (r Result) Title() string {
	if r == nil {
		return ""
	}
	title, _ := r["title"].(string)
	return strings.TrimSpace(title)
}

// Filename returns the local file the extraction wrote, if recorded.
func (r Result) Filename() string {
	if r == nil {
		return ""
	}
	for _, key := range []string{"filepath", "_filename", "filename"} {
		if v, ok := r[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Clone returns a deep copy of the result.
func (r Result) Clone() Result {
	if r == nil {
		return nil
	}
	out, _ := cloneValue(map[string]any(r)).(map[string]any)
	return Result(out)
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			out[k] = cloneValue(val)
		}
		return out
	case Result:
		return typed.Clone()
	case []any:
		out := make([]any, len(typed))
		for i, val := range typed {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// Task is the unit of work tracked by the service.
type Task struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	OutputPath string    `json:"output_path"`
	Format     string    `json:"format"`
	Status     Status    `json:"status"`
	Title      string    `json:"title,omitempty"`
	Result     Result    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"create_time"`
	UpdatedAt  time.Time `json:"update_time"`
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Result = t.Result.Clone()
	return &cp
}

// Job returns the unit of work that re-runs the task's extraction.
func (t *Task) Job(now time.Time) Job {
	return Job{
		TaskID:     t.ID,
		URL:        t.URL,
		OutputPath: t.OutputPath,
		Format:     t.Format,
		Submitted:  now,
	}
}

// Job is a queued extraction request handed to the worker pool.
type Job struct {
	TaskID     string
	URL        string
	OutputPath string
	Format     string
	Quiet      bool
	Attempt    int
	Submitted  time.Time
}

// ListOptions filters and orders task listings.
type ListOptions struct {
	Status    Status
	Limit     int
	Offset    int
	Ascending bool
}
