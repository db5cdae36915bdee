// Package lifecycle owns every task status change. Workers report outcomes
// here, admission asks it to schedule and reset tasks, and nothing else
// writes the status column.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-task-service/internal/events"
	"github.com/JakeFAU/media-task-service/internal/task"
)

// recoverBackoff spaces out enqueue attempts while recovery waits for room.
const recoverBackoff = 100 * time.Millisecond

// transitions lists the permitted status changes. Completed tasks have no
// outgoing edge.
var transitions = map[task.Status][]task.Status{
	task.StatusPending: {task.StatusCompleted, task.StatusFailed},
	task.StatusFailed:  {task.StatusPending},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to task.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Controller applies lifecycle transitions through the task store and feeds
// work to the queue.
type Controller struct {
	store   task.Store
	queue   task.Queue
	clock   task.Clock
	emitter events.Emitter
	logger  *zap.Logger
}

// New constructs a Controller. A nil emitter discards events.
func New(store task.Store, queue task.Queue, clock task.Clock, emitter events.Emitter, logger *zap.Logger) *Controller {
	if emitter == nil {
		emitter = events.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{store: store, queue: queue, clock: clock, emitter: emitter, logger: logger}
}

// Schedule enqueues one extraction for t. If the queue refuses the job the
// task is marked failed so a later admission can retry it.
func (c *Controller) Schedule(ctx context.Context, t *task.Task, quiet bool) error {
	job := t.Job(c.clock.Now())
	job.Quiet = quiet
	if err := c.queue.Enqueue(ctx, job); err != nil {
		c.logger.Warn("task submission rejected",
			zap.String("task_id", t.ID),
			zap.String("url", t.URL),
			zap.Error(err),
		)
		if _, failErr := c.Fail(context.WithoutCancel(ctx), t.ID, fmt.Errorf("submit: %w", err), nil, 0); failErr != nil {
			c.logger.Error("mark rejected task failed", zap.String("task_id", t.ID), zap.Error(failErr))
		}
		return fmt.Errorf("schedule task %s: %w", t.ID, err)
	}
	return nil
}

// Started records that a worker picked up job.
func (c *Controller) Started(job task.Job) {
	c.emitter.Emit(events.Event{
		TaskID: job.TaskID,
		TS:     c.clock.Now(),
		Stage:  events.StageStarted,
		URL:    job.URL,
		Site:   events.SiteOf(job.URL),
	})
}

// Complete moves a pending task to completed, storing result verbatim and
// copying its title.
func (c *Controller) Complete(ctx context.Context, id string, result task.Result, dur time.Duration) (*task.Task, error) {
	if result == nil {
		result = task.Result{}
	}
	updated, err := c.store.Update(ctx, id, func(t *task.Task) error {
		if err := checkTransition(t, task.StatusCompleted); err != nil {
			return err
		}
		t.Status = task.StatusCompleted
		t.Result = result
		t.Title = result.Title()
		t.Error = ""
		t.UpdatedAt = c.clock.Now()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("complete task %s: %w", id, err)
	}
	c.emit(updated, events.StageCompleted, dur, "")
	return updated, nil
}

// Fail moves a pending task to failed. A non-nil partial replaces the stored
// result; otherwise any earlier result is kept.
func (c *Controller) Fail(ctx context.Context, id string, cause error, partial task.Result, dur time.Duration) (*task.Task, error) {
	msg := "unknown error"
	if cause != nil && strings.TrimSpace(cause.Error()) != "" {
		msg = cause.Error()
	}
	updated, err := c.store.Update(ctx, id, func(t *task.Task) error {
		if err := checkTransition(t, task.StatusFailed); err != nil {
			return err
		}
		t.Status = task.StatusFailed
		t.Error = msg
		if partial != nil {
			t.Result = partial
		}
		t.UpdatedAt = c.clock.Now()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fail task %s: %w", id, err)
	}
	c.emit(updated, events.StageFailed, dur, msg)
	return updated, nil
}

// Reset returns a failed task to pending, clears its error, and schedules it
// again with the stored URL, output path and format.
func (c *Controller) Reset(ctx context.Context, id string, quiet bool) (*task.Task, error) {
	updated, err := c.store.Update(ctx, id, func(t *task.Task) error {
		if err := checkTransition(t, task.StatusPending); err != nil {
			return err
		}
		t.Status = task.StatusPending
		t.Error = ""
		t.UpdatedAt = c.clock.Now()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reset task %s: %w", id, err)
	}
	c.emit(updated, events.StageReset, 0, "")
	if err := c.Schedule(ctx, updated, quiet); err != nil {
		return nil, err
	}
	return updated, nil
}

// Backlog lists the tasks still pending, oldest first. Taken once at startup,
// before the HTTP listener opens, it is exactly the work a previous process
// left behind.
func (c *Controller) Backlog(ctx context.Context) ([]*task.Task, error) {
	pending, err := c.store.List(ctx, task.ListOptions{Status: task.StatusPending, Ascending: true})
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	return pending, nil
}

// Recover enqueues each backlog task that is still pending. Unlike Schedule
// it never fails a task: when the queue is full it waits for room, and tasks
// not reached before ctx ends or the queue closes stay pending for the next
// start.
func (c *Controller) Recover(ctx context.Context, backlog []*task.Task) (int, error) {
	scheduled := 0
	defer func() {
		if len(backlog) > 0 {
			c.logger.Info("recovered pending tasks",
				zap.Int("scheduled", scheduled),
				zap.Int("backlog", len(backlog)),
			)
		}
	}()
	for _, t := range backlog {
		current, err := c.store.Get(ctx, t.ID)
		if err != nil {
			if errors.Is(err, task.ErrNotFound) {
				continue
			}
			return scheduled, fmt.Errorf("recover task %s: %w", t.ID, err)
		}
		if current.Status != task.StatusPending {
			continue
		}
		job := current.Job(c.clock.Now())
		job.Quiet = true
		if err := c.enqueueWaiting(ctx, job); err != nil {
			if errors.Is(err, task.ErrQueueClosed) {
				return scheduled, nil
			}
			return scheduled, fmt.Errorf("recover task %s: %w", t.ID, err)
		}
		scheduled++
	}
	return scheduled, nil
}

// enqueueWaiting retries job while the queue reports it is full.
func (c *Controller) enqueueWaiting(ctx context.Context, job task.Job) error {
	for {
		err := c.queue.Enqueue(ctx, job)
		if !errors.Is(err, task.ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(recoverBackoff):
		}
	}
}

// Clear removes every task.
func (c *Controller) Clear(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear tasks: %w", err)
	}
	c.logger.Warn("cleared all tasks", zap.Int64("count", n))
	c.emitter.Emit(events.Event{TS: c.clock.Now(), Stage: events.StageCleared, Count: n})
	return n, nil
}

func (c *Controller) emit(t *task.Task, stage events.Stage, dur time.Duration, note string) {
	c.emitter.Emit(events.Event{
		TaskID: t.ID,
		TS:     t.UpdatedAt,
		Stage:  stage,
		URL:    t.URL,
		Site:   events.SiteOf(t.URL),
		Title:  t.Title,
		Dur:    dur,
		Note:   note,
	})
}

func checkTransition(t *task.Task, to task.Status) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", task.ErrInvalidTransition, t.Status, to)
	}
	return nil
}
