package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/media-task-service/internal/events"
	"github.com/JakeFAU/media-task-service/internal/task"
)

// Notification is the payload published when a task reaches a terminal state.
type Notification struct {
	TaskID     string    `json:"task_id"`
	Status     string    `json:"status"`
	URL        string    `json:"url"`
	Title      string    `json:"title,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	At         time.Time `json:"at"`
}

// NotifySink publishes completion and failure notifications to a topic.
type NotifySink struct {
	publisher task.Publisher
	topic     string
}

// NewNotifySink constructs a NotifySink. A nil publisher disables it.
func NewNotifySink(publisher task.Publisher, topic string) *NotifySink {
	return &NotifySink{publisher: publisher, topic: topic}
}

// Consume publishes one message per terminal event. Publish errors are joined
// so a single bad message does not hide later ones.
func (s *NotifySink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		msg := Notification{
			TaskID:     evt.TaskID,
			Status:     string(task.StatusCompleted),
			URL:        evt.URL,
			Title:      evt.Title,
			DurationMs: evt.Dur.Milliseconds(),
			At:         evt.TS.UTC(),
		}
		if evt.Stage == events.StageFailed {
			msg.Status = string(task.StatusFailed)
			msg.Error = evt.Note
		}
		if _, err := s.publisher.Publish(ctx, s.topic, msg); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.TaskID, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements events.Sink; it performs no action.
func (s *NotifySink) Close(context.Context) error {
	return nil
}
