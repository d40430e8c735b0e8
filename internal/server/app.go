// Package server builds the service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/procurement-enricher/internal/ai"
	"github.com/JakeFAU/procurement-enricher/internal/api"
	"github.com/JakeFAU/procurement-enricher/internal/clock/system"
	"github.com/JakeFAU/procurement-enricher/internal/config"
	"github.com/JakeFAU/procurement-enricher/internal/credential"
	"github.com/JakeFAU/procurement-enricher/internal/dispatcher"
	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/id/uuid"
	"github.com/JakeFAU/procurement-enricher/internal/location"
	"github.com/JakeFAU/procurement-enricher/internal/maintenance"
	"github.com/JakeFAU/procurement-enricher/internal/metrics"
	"github.com/JakeFAU/procurement-enricher/internal/operation"
	"github.com/JakeFAU/procurement-enricher/internal/policy/ratelimit"
	"github.com/JakeFAU/procurement-enricher/internal/progress"
	progresssinks "github.com/JakeFAU/procurement-enricher/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/procurement-enricher/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/procurement-enricher/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/procurement-enricher/internal/queue/memory"
	"github.com/JakeFAU/procurement-enricher/internal/scrape"
	gcsstorage "github.com/JakeFAU/procurement-enricher/internal/storage/gcs"
	localstorage "github.com/JakeFAU/procurement-enricher/internal/storage/local"
	memoryStorage "github.com/JakeFAU/procurement-enricher/internal/storage/memory"
	pgstore "github.com/JakeFAU/procurement-enricher/internal/storage/postgres"
	"github.com/JakeFAU/procurement-enricher/internal/store"
	"github.com/JakeFAU/procurement-enricher/internal/stream"
	"github.com/JakeFAU/procurement-enricher/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Options overrides collaborators that are awkward to construct in tests.
type Options struct {
	// Registerer receives the progress collectors (default
	// prometheus.DefaultRegisterer).
	Registerer prometheus.Registerer
	// Generator replaces the Gemini generator.
	Generator ai.Generator
	// RecordStore replaces the configured record store.
	RecordStore enrich.RecordStore
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Registry    *operation.Registry
	Credentials *credential.Pool
	Records     enrich.RecordStore

	hub       *progress.Hub
	queue     *queueMemory.Queue
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server
	scheduler *maintenance.Scheduler
	db        *pgxpool.Pool
	history   store.EventRepository
	usage     store.UsageRepository
	blobs     enrich.BlobStore
	publisher enrich.Publisher
	closers   []namedCloser
}

type namedCloser struct {
	name string
	fn   func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.Int("workers", cfg.Worker.PoolSize),
		zap.Int("credentials", len(cfg.Credentials)),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.Bool("database", cfg.Database.DSN != ""),
	)

	if err := app.setupDatabase(ctx, opts); err != nil {
		app.closeAll(ctx)
		return nil, err
	}
	if err := app.setupPublisher(ctx); err != nil {
		app.closeAll(ctx)
		return nil, err
	}
	broadcaster, err := app.setupProgress(ctx, opts)
	if err != nil {
		app.closeAll(ctx)
		return nil, err
	}

	clock := system.New()
	ids := uuid.New()
	app.Registry = operation.NewRegistry(operation.Config{
		LogLimit: cfg.Operations.LogLimit,
		Emitter:  app.hub,
		Clock:    clock,
		IDGen:    ids,
		Logger:   logger.Named("registry"),
	})

	poolCfg := credential.Config{Clock: clock, IDGen: ids, Logger: logger.Named("credentials")}
	if app.usage != nil {
		poolCfg.Recorder = app.usage
	}
	app.Credentials = credential.NewPool(poolCfg)
	if err := seedCredentials(app.Credentials, cfg.Credentials); err != nil {
		app.closeAll(ctx)
		return nil, err
	}

	if err := app.setupWorkers(opts, clock); err != nil {
		app.closeAll(ctx)
		return nil, err
	}
	if err := app.setupMaintenance(ctx, clock); err != nil {
		app.closeAll(ctx)
		return nil, err
	}

	app.apiServer = api.NewServer(api.Deps{
		Operations:  app.Registry,
		Queue:       app.dispatch,
		Credentials: app.Credentials,
		Stream: stream.NewHandler(app.Registry, broadcaster, stream.HandlerConfig{
			PingInterval: cfg.Stream.PingInterval,
			WriteTimeout: cfg.Stream.WriteTimeout,
			Clock:        clock,
			Logger:       logger.Named("stream"),
		}),
		History: app.history,
		Usage:   app.usage,
		Ready:   app.ready,
		Clock:   clock,
		Logger:  logger.Named("api"),
	}, cfg.Server)
	return app, nil
}

func (a *App) setupDatabase(ctx context.Context, opts Options) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database dsn configured, keeping records in memory and skipping event and usage history")
		a.Records = memoryStorage.NewRecordStore()
	} else {
		pool, err := pgstore.Connect(ctx, pgstore.Config{
			DSN:      a.cfg.Database.DSN,
			MaxConns: a.cfg.Database.MaxConns,
			MinConns: a.cfg.Database.MinConns,
		})
		if err != nil {
			return fmt.Errorf("database init failed: %w", err)
		}
		a.db = pool
		a.closers = append(a.closers, namedCloser{"postgres", func(context.Context) error { pool.Close(); return nil }})
		if err := pgstore.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("database migrate failed: %w", err)
		}
		records, err := pgstore.NewRecordStore(pool)
		if err != nil {
			return err
		}
		events, err := pgstore.NewEventStore(pool)
		if err != nil {
			return err
		}
		usage, err := pgstore.NewUsageStore(pool)
		if err != nil {
			return err
		}
		a.Records, a.history, a.usage = records, events, usage
		a.logger.Info("postgres stores initialized")
	}
	if opts.RecordStore != nil {
		a.Records = opts.RecordStore
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.Topic == "" {
		a.logger.Warn("no pub/sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New(0)
		return nil
	}
	pub, closeFn, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.Topic)
	if err != nil {
		return fmt.Errorf("pubsub init failed: %w", err)
	}
	a.publisher = pub
	a.closers = append(a.closers, namedCloser{"pubsub", func(context.Context) error { return closeFn() }})
	a.logger.Info("pub/sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return nil
}

func (a *App) setupProgress(ctx context.Context, opts Options) (*progress.Broadcaster, error) {
	broadcaster := progress.NewBroadcaster(a.cfg.Stream.SubscriberBuffer, a.logger.Named("broadcast"))
	promSink, err := progresssinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{
		broadcaster,
		promSink,
		progresssinks.NewPubSubSink(a.publisher, a.cfg.PubSub.Topic, a.logger.Named("progress_pubsub")),
	}
	if a.history != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.history, a.logger.Named("progress_store")))
		a.logger.Debug("added progress store sink")
	}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
		a.logger.Debug("added progress log sink")
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		TerminalWait:   a.cfg.Progress.TerminalWait,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return broadcaster, nil
}

func (a *App) setupWorkers(opts Options, clock enrich.Clock) error {
	gen := opts.Generator
	if gen == nil {
		gen = ai.NewGeminiGenerator(ai.GeminiConfig{
			Model:       a.cfg.AI.Model,
			Temperature: a.cfg.AI.Temperature,
			Timeout:     a.cfg.AI.Timeout,
			QuotaWait:   a.cfg.AI.QuotaWait,
			Clock:       clock,
		})
	}
	caller := ai.NewCaller(a.Credentials, gen, ai.CallerConfig{
		MaxFailovers: a.cfg.Worker.MaxFailovers,
		RPS:          a.cfg.Worker.AIRPS,
		Burst:        a.cfg.Worker.AIBurst,
		Retry:        ai.NewExponentialRetryPolicy(a.cfg.Worker.TransientRetries, 0, 0),
		Logger:       a.logger.Named("ai"),
	})
	gaz, err := location.DefaultGazetteer()
	if err != nil {
		return fmt.Errorf("gazetteer init failed: %w", err)
	}
	fetcher := scrape.New(scrape.Config{
		UserAgent:     a.cfg.Scraper.UserAgent,
		RespectRobots: a.cfg.Scraper.RespectRobots,
		Timeout:       a.cfg.ScrapeTimeout(),
		Selectors:     a.cfg.Scraper.Selectors,
		Pacer: ratelimit.New(ratelimit.Config{
			RPS:   a.cfg.Scraper.HostRPS,
			Burst: a.cfg.Scraper.HostBurst,
		}),
	})
	jobs := []worker.Job{
		worker.NewScraper(fetcher, a.Records, worker.ScrapeConfig{
			BaseURLs:     a.cfg.Scraper.BaseURLs,
			MaxPages:     a.cfg.Scraper.MaxPages,
			Retries:      a.cfg.Scraper.Retries,
			RetryBackoff: a.cfg.Scraper.RetryBackoff,
			DefaultLimit: a.cfg.Worker.DefaultLimit,
		}),
		worker.NewCategorizer(a.Records, caller, a.cfg.Worker.DefaultLimit),
		worker.NewLocationInferer(a.Records, caller, gaz, worker.LocationConfig{
			Pass2AI:      a.cfg.Location.Pass2AI,
			DefaultLimit: a.cfg.Worker.DefaultLimit,
		}, a.logger.Named("location")),
	}

	a.queue = queueMemory.NewQueue(a.cfg.Worker.QueueDepth)
	workers := make([]*worker.Worker, 0, a.cfg.Worker.PoolSize)
	for i := 0; i < a.cfg.Worker.PoolSize; i++ {
		workers = append(workers, worker.New(a.queue, a.Registry, jobs, clock,
			a.logger.Named("worker").With(zap.Int("index", i))))
	}
	a.dispatch = dispatcher.New(a.queue, workers)
	a.logger.Info("worker pool initialized",
		zap.Int("workers", len(workers)),
		zap.Int("queue_depth", a.cfg.Worker.QueueDepth),
		zap.String("model", a.cfg.AI.Model),
	)
	return nil
}

func (a *App) setupMaintenance(ctx context.Context, clock enrich.Clock) error {
	switch a.cfg.Archive.Backend {
	case "gcs":
		blobs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.blobs = blobs
		a.closers = append(a.closers, namedCloser{"gcs", func(context.Context) error { return blobs.Close() }})
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return fmt.Errorf("local archive init failed: %w", err)
		}
		a.blobs = blobs
	default:
		a.blobs = memoryStorage.NewBlobStore()
	}
	a.logger.Info("archive store initialized", zap.String("backend", a.cfg.Archive.Backend))

	archiver := maintenance.NewArchiver(a.Registry, a.blobs, maintenance.ArchiverConfig{
		Retention: a.cfg.Operations.Retention,
		Prefix:    a.cfg.Archive.Prefix,
		Clock:     clock,
		Logger:    a.logger.Named("archiver"),
	})
	reaper := maintenance.NewReaper(a.Registry, a.cfg.Operations.StaleAfter, clock, a.logger.Named("reaper"))

	a.scheduler = maintenance.NewScheduler(a.logger.Named("maintenance"), 0)
	if err := a.scheduler.Add("archive", a.cfg.Operations.ArchiveCron, func(ctx context.Context) error {
		res, err := archiver.Sweep(ctx)
		if res.Archived > 0 || res.Failed > 0 {
			a.logger.Info("archive sweep", zap.Int("archived", res.Archived), zap.Int("failed", res.Failed))
		}
		return err
	}); err != nil {
		return err
	}
	return a.scheduler.Add("reap", a.cfg.Operations.ReapCron, func(context.Context) error {
		reaper.Sweep()
		return nil
	})
}

func seedCredentials(pool *credential.Pool, creds []config.CredentialConfig) error {
	for _, c := range creds {
		provider := credential.Provider(c.Provider)
		if provider == "" {
			provider = credential.ProviderGemini
		}
		if _, err := pool.Add(credential.Spec{
			Alias:    c.Alias,
			Provider: provider,
			Secret:   c.Secret,
			Active:   c.Active,
		}); err != nil {
			return fmt.Errorf("seed credential %q: %w", c.Alias, err)
		}
	}
	return nil
}

func (a *App) ready(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	if err := a.db.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	return nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run listens on the configured port and serves until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server, the worker pool and the maintenance scheduler
// on ln until ctx is canceled or one of them fails, then shuts everything
// down.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http server shutdown error", zap.Error(err))
		}
		return nil
	})
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.Close(shutdownCtx)
	return err
}

// Close releases the queue, the progress hub and external clients.
func (a *App) Close(ctx context.Context) {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeAll(ctx)
	a.logger.Info("shutdown complete")
}

func (a *App) closeAll(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.hub = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
