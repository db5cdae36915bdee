// Package memory provides the bounded in-process job queue that feeds the
// worker pool.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/media-task-service/internal/task"
)

// Config controls queue capacity and the backpressure policy applied when the
// buffer is full.
type Config struct {
	// Capacity is the number of jobs that may wait for a free worker.
	Capacity int
	// RejectWhenFull fails Enqueue immediately with task.ErrQueueFull.
	RejectWhenFull bool
	// EnqueueTimeout bounds how long a blocking Enqueue waits for room.
	// Zero waits until the caller's context ends.
	EnqueueTimeout time.Duration
}

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch        chan task.Job
	done      chan struct{}
	closeOnce sync.Once
	cfg       Config
}

// NewQueue constructs a queue from cfg. A non-positive capacity is treated as 1.
func NewQueue(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	return &Queue{
		ch:   make(chan task.Job, cfg.Capacity),
		done: make(chan struct{}),
		cfg:  cfg,
	}
}

// Enqueue pushes a job, applying the configured backpressure policy.
func (q *Queue) Enqueue(ctx context.Context, job task.Job) error {
	select {
	case <-q.done:
		return task.ErrQueueClosed
	default:
	}

	if q.cfg.RejectWhenFull {
		select {
		case q.ch <- job:
			return nil
		default:
			return task.ErrQueueFull
		}
	}

	waitCtx := ctx
	if q.cfg.EnqueueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, q.cfg.EnqueueTimeout)
		defer cancel()
	}
	select {
	case q.ch <- job:
		return nil
	case <-q.done:
		return task.ErrQueueClosed
	case <-waitCtx.Done():
		if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", task.ErrQueueFull, q.cfg.EnqueueTimeout)
		}
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (task.Job, error) {
	select {
	case <-ctx.Done():
		return task.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return task.Job{}, task.ErrQueueClosed
	case job := <-q.ch:
		return job, nil
	}
}

// Depth reports how many jobs are waiting.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Capacity reports the configured buffer size.
func (q *Queue) Capacity() int {
	return cap(q.ch)
}

// Close stops accepting and handing out jobs. Jobs still buffered stay pending
// in the task store.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
