// Package worker implements the extraction loop run by each pool member.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-task-service/internal/metrics"
	"github.com/JakeFAU/media-task-service/internal/task"
)

var tracer = otel.Tracer("github.com/JakeFAU/media-task-service/internal/worker")

// Lifecycle receives job outcomes.
type Lifecycle interface {
	Started(job task.Job)
	Complete(ctx context.Context, id string, result task.Result, dur time.Duration) (*task.Task, error)
	Fail(ctx context.Context, id string, cause error, partial task.Result, dur time.Duration) (*task.Task, error)
}

// Limiter paces requests per source host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Archiver copies a finished download elsewhere and returns its URI.
type Archiver interface {
	Archive(ctx context.Context, taskID string, result task.Result) (string, error)
}

// Config controls Worker behavior.
type Config struct {
	// Timeout bounds a single extraction. Zero means no limit.
	Timeout time.Duration
}

// Worker consumes jobs and runs the extractor for each.
type Worker struct {
	id        int
	queue     task.Queue
	extractor task.Extractor
	lifecycle Lifecycle
	limiter   Limiter
	archiver  Archiver
	clock     task.Clock
	cfg       Config
	logger    *zap.Logger
	current   atomic.Pointer[string]
}

// New constructs a Worker. limiter and archiver are optional.
func New(
	id int,
	queue task.Queue,
	extractor task.Extractor,
	lifecycle Lifecycle,
	limiter Limiter,
	archiver Archiver,
	clock task.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:        id,
		queue:     queue,
		extractor: extractor,
		lifecycle: lifecycle,
		limiter:   limiter,
		archiver:  archiver,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.With(zap.Int("worker", id)),
	}
}

// Current returns the id of the task being processed, or "" when idle.
func (w *Worker) Current() string {
	if id := w.current.Load(); id != nil {
		return *id
	}
	return ""
}

// Run blocks, consuming jobs until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, task.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("task_id", job.TaskID), zap.Int("attempt", job.Attempt))
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job task.Job) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	id := job.TaskID
	w.current.Store(&id)
	defer w.current.Store(nil)

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, job.URL); err != nil {
			// The task stays pending and is picked up again by startup recovery.
			w.logger.Warn("job abandoned while rate limited", zap.String("task_id", job.TaskID), zap.Error(err))
			return
		}
	}

	ctx, span := tracer.Start(ctx, "worker.extract", trace.WithAttributes(
		attribute.String("task.id", job.TaskID),
		attribute.String("task.url", job.URL),
		attribute.Int("task.attempt", job.Attempt),
	))
	defer span.End()

	w.lifecycle.Started(job)
	start := w.clock.Now()
	result, err := w.extract(ctx, job)
	dur := w.clock.Now().Sub(start)

	// Outcomes are recorded even when shutdown has begun.
	storeCtx := context.WithoutCancel(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.logger.Warn("extraction failed",
			zap.String("task_id", job.TaskID),
			zap.String("url", job.URL),
			zap.Duration("duration", dur),
			zap.Error(err),
		)
		if _, ferr := w.lifecycle.Fail(storeCtx, job.TaskID, err, result, dur); ferr != nil {
			w.logger.Error("record failure", zap.String("task_id", job.TaskID), zap.Error(ferr))
		}
		return
	}

	w.archive(storeCtx, job, result)
	if _, cerr := w.lifecycle.Complete(storeCtx, job.TaskID, result, dur); cerr != nil {
		w.logger.Error("record completion", zap.String("task_id", job.TaskID), zap.Error(cerr))
		return
	}
	w.logger.Info("extraction completed",
		zap.String("task_id", job.TaskID),
		zap.String("title", result.Title()),
		zap.Duration("duration", dur),
	)
}

// extract runs the extractor on a context detached from ctx so an in-flight
// download is not cut off by shutdown, bounded by the configured timeout.
func (w *Worker) extract(ctx context.Context, job task.Job) (result task.Result, err error) {
	runCtx := context.WithoutCancel(ctx)
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, w.cfg.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("extractor panic: %v", r)
		}
	}()
	return w.extractor.Extract(runCtx, job)
}

func (w *Worker) archive(ctx context.Context, job task.Job, result task.Result) {
	if w.archiver == nil || result == nil {
		return
	}
	uri, err := w.archiver.Archive(ctx, job.TaskID, result)
	if err != nil {
		w.logger.Warn("archive download", zap.String("task_id", job.TaskID), zap.Error(err))
		result["archive_error"] = err.Error()
		return
	}
	result["archive_uri"] = uri
}
