// Package admission maps download requests onto new or existing tasks.
package admission

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-task-service/internal/dedup"
	"github.com/JakeFAU/media-task-service/internal/events"
	"github.com/JakeFAU/media-task-service/internal/pathmap"
	"github.com/JakeFAU/media-task-service/internal/task"
)

// Outcome describes what admission did with a request.
type Outcome string

// Admission outcomes.
const (
	OutcomeCreated Outcome = "created"
	OutcomeReused  Outcome = "reused"
	OutcomeRetried Outcome = "retried"
)

// Request is one download submission.
type Request struct {
	URL        string
	OutputPath string
	Format     string
	Quiet      bool
}

// Decision is the task a request was mapped to.
type Decision struct {
	TaskID  string
	Outcome Outcome
}

// Scheduler is the slice of the lifecycle controller admission depends on.
type Scheduler interface {
	Schedule(ctx context.Context, t *task.Task, quiet bool) error
	Reset(ctx context.Context, id string, quiet bool) (*task.Task, error)
}

// PlaylistExpander lists the video URLs behind a playlist URL.
type PlaylistExpander interface {
	Expand(ctx context.Context, playlistURL string) ([]string, error)
}

// Config holds request defaults.
type Config struct {
	DefaultOutputPath string
	DefaultFormat     string
}

// Service admits requests.
type Service struct {
	store     task.Store
	index     *dedup.Index
	scheduler Scheduler
	ids       task.IDGenerator
	clock     task.Clock
	paths     *pathmap.Mapper
	playlists PlaylistExpander
	emitter   events.Emitter
	cfg       Config
	logger    *zap.Logger
}

// Deps groups Service collaborators.
type Deps struct {
	Store     task.Store
	Scheduler Scheduler
	IDs       task.IDGenerator
	Clock     task.Clock
	Paths     *pathmap.Mapper
	Playlists PlaylistExpander
	Emitter   events.Emitter
	Logger    *zap.Logger
}

// New constructs a Service.
func New(deps Deps, cfg Config) *Service {
	if deps.Emitter == nil {
		deps.Emitter = events.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.DefaultOutputPath == "" {
		cfg.DefaultOutputPath = "./downloads"
	}
	if cfg.DefaultFormat == "" {
		cfg.DefaultFormat = "bestvideo+bestaudio/best"
	}
	return &Service{
		store:     deps.Store,
		index:     dedup.New(deps.Store),
		scheduler: deps.Scheduler,
		ids:       deps.IDs,
		clock:     deps.Clock,
		paths:     deps.Paths,
		playlists: deps.Playlists,
		emitter:   deps.Emitter,
		cfg:       cfg,
		logger:    deps.Logger,
	}
}

// Admit returns the task id serving req, creating and scheduling a task
// only when no task exists for the URL.
func (s *Service) Admit(ctx context.Context, req Request) (Decision, error) {
	req, err := s.normalize(req)
	if err != nil {
		return Decision{}, err
	}
	d, err := s.admit(ctx, req)
	if errors.Is(err, task.ErrNotFound) {
		// A bulk clear removed the task between lookup and use.
		s.logger.Info("task vanished during admission, admitting again", zap.String("url", req.URL))
		d, err = s.admit(ctx, req)
	}
	return d, err
}

func (s *Service) admit(ctx context.Context, req Request) (Decision, error) {
	existing, found, err := s.index.Find(ctx, req.URL)
	if err != nil {
		return Decision{}, err
	}
	if found {
		return s.reuse(ctx, existing, req)
	}

	id, err := s.ids.NewID()
	if err != nil {
		return Decision{}, fmt.Errorf("create task: %w", err)
	}
	now := s.clock.Now()
	stored, created, err := s.store.Create(ctx, &task.Task{
		ID:         id,
		URL:        req.URL,
		OutputPath: req.OutputPath,
		Format:     req.Format,
		Status:     task.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("create task: %w", err)
	}
	if !created {
		return s.reuse(ctx, stored, req)
	}

	s.logger.Info("task created",
		zap.String("task_id", stored.ID),
		zap.String("url", stored.URL),
		zap.String("output_path", stored.OutputPath),
		zap.String("format", stored.Format),
	)
	s.emitter.Emit(events.Event{
		TaskID: stored.ID, TS: now, Stage: events.StageAdmitted,
		URL: stored.URL, Site: events.SiteOf(stored.URL),
	})
	if err := s.scheduler.Schedule(ctx, stored, req.Quiet); err != nil {
		return Decision{}, err
	}
	return Decision{TaskID: stored.ID, Outcome: OutcomeCreated}, nil
}

// AdmitBatch admits each request in order. The first failure stops the batch.
func (s *Service) AdmitBatch(ctx context.Context, reqs []Request) ([]Decision, error) {
	out := make([]Decision, 0, len(reqs))
	for i, req := range reqs {
		d, err := s.Admit(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// AdmitPlaylist expands req.URL into its videos and admits each one with
// req's output path and format.
func (s *Service) AdmitPlaylist(ctx context.Context, req Request) ([]Decision, error) {
	if s.playlists == nil {
		return nil, fmt.Errorf("%w: playlist expansion is not enabled", task.ErrInvalidRequest)
	}
	if _, err := s.normalize(req); err != nil {
		return nil, err
	}
	urls, err := s.playlists.Expand(ctx, strings.TrimSpace(req.URL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrInvalidRequest, err)
	}
	reqs := make([]Request, 0, len(urls))
	for _, u := range urls {
		item := req
		item.URL = u
		reqs = append(reqs, item)
	}
	return s.AdmitBatch(ctx, reqs)
}

// Retry resets a failed task by id and schedules it again.
func (s *Service) Retry(ctx context.Context, id string) (Decision, error) {
	t, err := s.scheduler.Reset(ctx, id, false)
	if err != nil {
		return Decision{}, err
	}
	return Decision{TaskID: t.ID, Outcome: OutcomeRetried}, nil
}

func (s *Service) reuse(ctx context.Context, existing *task.Task, req Request) (Decision, error) {
	fields := []zap.Field{
		zap.String("task_id", existing.ID),
		zap.String("url", existing.URL),
		zap.String("status", string(existing.Status)),
		zap.String("existing_output_path", existing.OutputPath),
		zap.String("requested_output_path", req.OutputPath),
	}
	if existing.Status != task.StatusFailed {
		s.logger.Info("reusing existing task", fields...)
		s.emitter.Emit(events.Event{
			TaskID: existing.ID, TS: s.clock.Now(), Stage: events.StageReused,
			URL: existing.URL, Site: events.SiteOf(existing.URL),
		})
		return Decision{TaskID: existing.ID, Outcome: OutcomeReused}, nil
	}

	s.logger.Info("retrying failed task", fields...)
	if _, err := s.scheduler.Reset(ctx, existing.ID, req.Quiet); err != nil {
		// A concurrent admission already moved the task out of failed.
		if errors.Is(err, task.ErrInvalidTransition) {
			return Decision{TaskID: existing.ID, Outcome: OutcomeReused}, nil
		}
		return Decision{}, err
	}
	return Decision{TaskID: existing.ID, Outcome: OutcomeRetried}, nil
}

func (s *Service) normalize(req Request) (Request, error) {
	req.URL = dedup.Key(req.URL)
	if req.URL == "" {
		return req, fmt.Errorf("%w: url is required", task.ErrInvalidRequest)
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return req, fmt.Errorf("%w: url must be an absolute http(s) URL", task.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.OutputPath) == "" {
		req.OutputPath = s.cfg.DefaultOutputPath
	}
	req.OutputPath = s.paths.Resolve(req.URL, req.OutputPath)
	req.Format = strings.TrimSpace(req.Format)
	if req.Format == "" {
		req.Format = s.cfg.DefaultFormat
	}
	return req, nil
}
