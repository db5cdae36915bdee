// Package server wires configuration into a running service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-task-service/internal/admission"
	"github.com/JakeFAU/media-task-service/internal/api"
	"github.com/JakeFAU/media-task-service/internal/archive"
	"github.com/JakeFAU/media-task-service/internal/clock/system"
	"github.com/JakeFAU/media-task-service/internal/config"
	"github.com/JakeFAU/media-task-service/internal/dispatcher"
	"github.com/JakeFAU/media-task-service/internal/events"
	eventsinks "github.com/JakeFAU/media-task-service/internal/events/sinks"
	"github.com/JakeFAU/media-task-service/internal/extractor/ytdlp"
	"github.com/JakeFAU/media-task-service/internal/hash/sha256"
	"github.com/JakeFAU/media-task-service/internal/id/uuid"
	"github.com/JakeFAU/media-task-service/internal/lifecycle"
	"github.com/JakeFAU/media-task-service/internal/logging"
	"github.com/JakeFAU/media-task-service/internal/metrics"
	"github.com/JakeFAU/media-task-service/internal/pathmap"
	"github.com/JakeFAU/media-task-service/internal/playlist"
	memorypublisher "github.com/JakeFAU/media-task-service/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/media-task-service/internal/publisher/pubsub"
	"github.com/JakeFAU/media-task-service/internal/query"
	queueMemory "github.com/JakeFAU/media-task-service/internal/queue/memory"
	"github.com/JakeFAU/media-task-service/internal/ratelimit"
	gcsstorage "github.com/JakeFAU/media-task-service/internal/storage/gcs"
	localstorage "github.com/JakeFAU/media-task-service/internal/storage/local"
	memoryStorage "github.com/JakeFAU/media-task-service/internal/storage/memory"
	pgstore "github.com/JakeFAU/media-task-service/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/media-task-service/internal/storage/sqlite"
	"github.com/JakeFAU/media-task-service/internal/task"
	"github.com/JakeFAU/media-task-service/internal/telemetry"
	"github.com/JakeFAU/media-task-service/internal/worker"
)

// Extractor is what workers and the probe routes need from yt-dlp.
type Extractor interface {
	task.Extractor
	task.Prober
}

// publisher is a task.Publisher that owns resources.
type publisher interface {
	task.Publisher
	Close() error
}

// Option customizes Build.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	extractor  Extractor
}

// WithRegisterer registers event collectors against reg instead of the
// default registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithExtractor replaces the yt-dlp extractor.
func WithExtractor(ex Extractor) Option {
	return func(o *options) { o.extractor = ex }
}

// App contains the application's dependencies.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	apiServer  *api.Server
	dispatch   *dispatcher.Dispatcher
	controller *lifecycle.Controller
	hub        *events.Hub
	queue      *queueMemory.Queue
	store      task.Store
	publisher  publisher
	storage    *storage.Client

	tracerShutdown func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) *App {
	logger.Info("creating application",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("store", cfg.Store.Driver),
		zap.Int("pool_size", cfg.Pool.Size),
		zap.Int("queue_depth", cfg.Queue.Depth),
	)
	return &App{cfg: cfg, logger: logger}
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workers outlive the request context so in-flight downloads finish
	// during shutdown.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(workerCtx)
	}()

	var backlog []*task.Task
	if a.cfg.Download.RecoverPending {
		var err error
		if backlog, err = a.controller.Backlog(ctx); err != nil {
			a.logger.Error("pending task recovery failed", zap.Error(err))
		}
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	// The backlog drains behind the listener so a long one never delays
	// readiness.
	recoverDone := make(chan struct{})
	go func() {
		defer close(recoverDone)
		if len(backlog) == 0 {
			return
		}
		if _, err := a.controller.Recover(ctx, backlog); err != nil && ctx.Err() == nil {
			a.logger.Error("pending task recovery failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	a.queue.Close()
	<-recoverDone
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		// Abandoned tasks stay pending and are recovered on the next start.
		cancelWorkers()
		a.logger.Warn("abandoning in-flight downloads at shutdown deadline",
			zap.Strings("task_ids", a.dispatch.Busy()),
		)
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancelClose()
	return a.Close(closeCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	err := a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func (a *App) closeInfrastructure(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("task store close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := NewApp(cfg, logger)

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		ProjectID:   cfg.Telemetry.ProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	app.logger.Info("building application dependencies")

	if err := app.build(ctx, o); err != nil {
		_ = app.closeInfrastructure(context.Background())
		app.closeObservability(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, o options) error {
	cfg := a.cfg
	var err error

	a.store, err = setupStore(ctx, a)
	if err != nil {
		return err
	}

	a.queue = queueMemory.NewQueue(queueMemory.Config{
		Capacity:       cfg.Queue.Depth,
		RejectWhenFull: cfg.Queue.RejectWhenFull,
		EnqueueTimeout: cfg.Queue.EnqueueTimeout,
	})
	metrics.SetQueueDepthFunc(a.queue.Depth)

	a.publisher, err = setupPublisher(ctx, a)
	if err != nil {
		return err
	}

	a.hub, err = setupEvents(a, o.registerer)
	if err != nil {
		return err
	}

	clock := system.New()
	a.controller = lifecycle.New(a.store, a.queue, clock, a.hub, a.logger.Named("lifecycle"))

	ex := o.extractor
	if ex == nil {
		ex = ytdlp.New(ytdlp.Config{Binary: cfg.Download.Binary}, a.logger.Named("ytdlp"))
	}

	archiver, err := setupArchive(ctx, a)
	if err != nil {
		return err
	}

	a.dispatch = setupDispatcher(a, ex, archiver, clock)

	admit := admission.New(admission.Deps{
		Store:     a.store,
		Scheduler: a.controller,
		IDs:       uuid.New(),
		Clock:     clock,
		Paths:     pathmap.New(cfg.Download.PathRules),
		Playlists: playlist.New(cfg.Download.PlaylistTimeout),
		Emitter:   a.hub,
		Logger:    a.logger.Named("admission"),
	}, admission.Config{
		DefaultOutputPath: cfg.Download.DefaultPath,
		DefaultFormat:     cfg.Download.DefaultFormat,
	})

	store := a.store
	a.apiServer = api.NewServer(api.Deps{
		Admission: admit,
		Query:     query.New(a.store),
		Clearer:   a.controller,
		Prober:    ex,
		Ready: func(ctx context.Context) error {
			_, err := store.List(ctx, task.ListOptions{Limit: 1})
			return err
		},
		Logger: a.logger.Named("api"),
	}, api.Config{
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
	})
	return nil
}

func setupStore(ctx context.Context, app *App) (task.Store, error) {
	cfg := app.cfg.Store
	switch cfg.Driver {
	case config.DriverPostgres:
		app.logger.Info("using postgres task store", zap.String("table", cfg.Table))
		pg, err := pgstore.NewTaskStore(ctx, pgstore.Config{
			DSN:      cfg.DSN,
			Table:    cfg.Table,
			MaxConns: cfg.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres task store init failed: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("postgres schema init failed: %w", err)
		}
		return pg, nil
	case config.DriverMemory:
		app.logger.Warn("using in-memory task store; tasks are lost on restart")
		return memoryStorage.NewTaskStore(), nil
	default:
		app.logger.Info("using sqlite task store", zap.String("path", cfg.SQLitePath))
		s, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite task store init failed: %w", err)
		}
		return s, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (publisher, error) {
	cfg := app.cfg.Notify
	switch cfg.Backend {
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		pub, err := gcppublisher.New(client)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.ProjectID),
			zap.String("topic", cfg.Topic),
		)
		return pub, nil
	case config.BackendMemory:
		app.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	default:
		app.logger.Debug("notifications disabled")
		return nil, nil
	}
}

func setupEvents(app *App, reg prometheus.Registerer) (*events.Hub, error) {
	promSink, err := eventsinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []events.Sink{
		eventsinks.NewLogSink(app.logger.Named("events")),
		promSink,
	}
	if app.publisher != nil {
		sinkList = append(sinkList, eventsinks.NewNotifySink(app.publisher, app.cfg.Notify.Topic))
		app.logger.Debug("added notify sink", zap.String("topic", app.cfg.Notify.Topic))
	}
	hubCfg := events.Config{
		BufferSize: app.cfg.Events.BufferSize,
		MaxBatch:   app.cfg.Events.MaxBatch,
		MaxWait:    app.cfg.Events.MaxWait,
		Logger:     app.logger.Named("event_hub"),
	}
	app.logger.Info("event hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch", hubCfg.MaxBatch),
		zap.Duration("max_wait", hubCfg.MaxWait),
		zap.Int("sinks", len(sinkList)),
	)
	return events.NewHub(hubCfg, sinkList...), nil
}

func setupArchive(ctx context.Context, app *App) (worker.Archiver, error) {
	cfg := app.cfg.Archive
	var blobs task.BlobStore
	switch cfg.Backend {
	case config.BackendGCS:
		app.logger.Info("using GCS archive backend", zap.String("bucket", cfg.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobs, err = gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case config.BackendLocal:
		app.logger.Info("using local archive backend", zap.String("path", cfg.BaseDir))
		local, err := localstorage.New(localstorage.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = local
	case config.BackendMemory:
		app.logger.Info("using in-memory archive backend")
		blobs = memoryStorage.NewBlobStore()
	default:
		app.logger.Debug("archiving disabled")
		return nil, nil
	}
	return archive.New(blobs, sha256.New(), archive.Config{Prefix: cfg.Prefix}), nil
}

func setupDispatcher(app *App, ex task.Extractor, archiver worker.Archiver, clock task.Clock) *dispatcher.Dispatcher {
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   app.cfg.Download.PerHostRPS,
		Burst: app.cfg.Download.PerHostBurst,
	})
	workerCfg := worker.Config{Timeout: app.cfg.Download.Timeout}
	app.logger.Info("worker config",
		zap.Int("workers", app.cfg.Pool.Size),
		zap.Duration("timeout", workerCfg.Timeout),
		zap.Float64("per_host_rps", app.cfg.Download.PerHostRPS),
		zap.Bool("archive", archiver != nil),
	)
	runners := make([]dispatcher.Runner, 0, app.cfg.Pool.Size)
	for i := 0; i < app.cfg.Pool.Size; i++ {
		runners = append(runners, worker.New(
			i,
			app.queue,
			ex,
			app.controller,
			limiter,
			archiver,
			clock,
			workerCfg,
			app.logger.Named("worker"),
		))
	}
	return dispatcher.New(runners...)
}
