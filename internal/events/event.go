package events

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported lifecycle stages.
const (
	StageAdmitted  Stage = "TASK_ADMITTED"
	StageReused    Stage = "TASK_REUSED"
	StageStarted   Stage = "TASK_STARTED"
	StageCompleted Stage = "TASK_COMPLETED"
	StageFailed    Stage = "TASK_FAILED"
	StageReset     Stage = "TASK_RESET"
	StageCleared   Stage = "TASKS_CLEARED"
)

// Terminal reports whether the stage ends an extraction attempt.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Event captures one task lifecycle milestone.
type Event struct {
	TaskID string
	TS     time.Time
	Stage  Stage
	// URL is the task's source URL; Site is its host label.
	URL   string
	Site  string
	Title string
	// Dur is the extraction wall time for terminal stages.
	Dur time.Duration
	// Count carries the number of rows affected by bulk stages.
	Count int64
	// Note holds low-volume context such as an error message.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCleared:
		return nil
	case StageAdmitted, StageReused, StageStarted, StageCompleted, StageFailed, StageReset:
		if e.TaskID == "" {
			return fmt.Errorf("%s requires task id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// SiteOf extracts the host label used to partition per-site metrics.
func SiteOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
