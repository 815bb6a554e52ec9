// Package app wires configuration into the running monitor: stores, budget
// ledger, fetchers, the page pipeline, the notify hub and the ops API.
package app

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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/oem-monitor/internal/api"
	"github.com/JakeFAU/oem-monitor/internal/archive"
	budgetmemory "github.com/JakeFAU/oem-monitor/internal/budget/memory"
	budgetredis "github.com/JakeFAU/oem-monitor/internal/budget/redis"
	"github.com/JakeFAU/oem-monitor/internal/change"
	"github.com/JakeFAU/oem-monitor/internal/classifier"
	"github.com/JakeFAU/oem-monitor/internal/clock/system"
	"github.com/JakeFAU/oem-monitor/internal/config"
	"github.com/JakeFAU/oem-monitor/internal/crawler"
	"github.com/JakeFAU/oem-monitor/internal/dispatcher"
	"github.com/JakeFAU/oem-monitor/internal/extract"
	collyfetcher "github.com/JakeFAU/oem-monitor/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/oem-monitor/internal/fetcher/headless"
	"github.com/JakeFAU/oem-monitor/internal/headless/detector"
	"github.com/JakeFAU/oem-monitor/internal/id/uuid"
	"github.com/JakeFAU/oem-monitor/internal/llm/anthropic"
	"github.com/JakeFAU/oem-monitor/internal/logging"
	"github.com/JakeFAU/oem-monitor/internal/metrics"
	"github.com/JakeFAU/oem-monitor/internal/normalize"
	"github.com/JakeFAU/oem-monitor/internal/notify"
	"github.com/JakeFAU/oem-monitor/internal/notify/sinks"
	"github.com/JakeFAU/oem-monitor/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/oem-monitor/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/oem-monitor/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/oem-monitor/internal/queue/memory"
	"github.com/JakeFAU/oem-monitor/internal/scheduler"
	gcsstorage "github.com/JakeFAU/oem-monitor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/oem-monitor/internal/storage/local"
	memoryStorage "github.com/JakeFAU/oem-monitor/internal/storage/memory"
	pgstore "github.com/JakeFAU/oem-monitor/internal/storage/postgres"
	"github.com/JakeFAU/oem-monitor/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pages     crawler.PageStore
	snapshots crawler.SnapshotStore
	scheduler *scheduler.Scheduler
	queue     *queueMemory.Queue
	dispatch  *dispatcher.Dispatcher
	hub       *notify.Hub
	apiServer *api.Server

	pool            *pgxpool.Pool
	redis           *redis.Client
	gcs             *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	renderer        *headlessfetcher.Renderer

	readyChecks map[string]api.ReadyCheck
}

// Build creates the application's dependencies. On error everything opened so
// far is closed again.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{
		cfg:         cfg,
		logger:      logger,
		readyChecks: make(map[string]api.ReadyCheck),
	}
	built := false
	defer func() {
		if !built {
			app.closeInfrastructure(context.Background())
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("sites", len(cfg.Sites)),
		zap.Int("workers", cfg.Crawler.Workers),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("budget", cfg.Budget.Backend),
	)

	if err = app.setupStores(ctx); err != nil {
		return nil, err
	}
	ledger, err := app.setupLedger(ctx)
	if err != nil {
		return nil, err
	}
	clock := system.New()
	app.scheduler = scheduler.New(cfg.SchedulerConfig(), clock, ledger, logger)

	blobs, err := app.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if err = app.setupHub(ctx, blobs, publisher); err != nil {
		return nil, err
	}

	workers, err := app.setupWorkers(blobs, clock)
	if err != nil {
		return nil, err
	}
	app.queue = queueMemory.NewQueue(cfg.Crawler.QueueDepth)
	app.dispatch = dispatcher.New(
		app.queue,
		workers,
		app.pages,
		app.scheduler,
		dispatcher.Config{PlanInterval: cfg.Crawler.PlanInterval},
		logger,
	)

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	app.apiServer = api.NewServer(
		app.pages,
		app.snapshots,
		app.dispatch,
		app.scheduler,
		api.Options{
			APIKey:         apiKey,
			RequestTimeout: cfg.Server.RequestTimeout,
			ReadyChecks:    app.readyChecks,
		},
		logger,
	)
	built = true
	return app, nil
}

func (a *App) setupStores(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.BackendPostgres:
		pgCfg := a.cfg.Storage.Postgres
		pool, err := pgstore.Connect(ctx, pgstore.Config{
			DSN:             pgCfg.DSN,
			MaxConns:        pgCfg.MaxConns,
			MinConns:        pgCfg.MinConns,
			MaxConnLifetime: pgCfg.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres init failed: %w", err)
		}
		a.pool = pool
		if pgCfg.EnsureSchema {
			if err := pgstore.EnsureSchema(ctx, pool, pgCfg.PagesTable, pgCfg.SnapshotsTable); err != nil {
				return fmt.Errorf("postgres schema init failed: %w", err)
			}
		}
		pages, err := pgstore.NewPageStore(pool, pgCfg.PagesTable)
		if err != nil {
			return fmt.Errorf("page store init failed: %w", err)
		}
		snapshots, err := pgstore.NewSnapshotStore(pool, pgCfg.SnapshotsTable)
		if err != nil {
			return fmt.Errorf("snapshot store init failed: %w", err)
		}
		a.pages, a.snapshots = pages, snapshots
		a.readyChecks["postgres"] = pool.Ping
		a.logger.Info("using postgres stores", zap.Bool("ensure_schema", pgCfg.EnsureSchema))
	default:
		a.logger.Warn("using in-memory stores; state is lost on restart")
		a.pages = memoryStorage.NewPageStore()
		a.snapshots = memoryStorage.NewSnapshotStore()
	}
	return nil
}

func (a *App) setupLedger(_ context.Context) (crawler.BudgetLedger, error) {
	budgetCfg := a.cfg.Budget
	switch budgetCfg.Backend {
	case config.BackendRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     budgetCfg.Redis.Addr,
			Password: budgetCfg.Redis.Password,
			DB:       budgetCfg.Redis.DB,
		})
		client := a.redis
		a.readyChecks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
		a.logger.Info("using redis budget ledger", zap.String("addr", budgetCfg.Redis.Addr))
		return budgetredis.New(a.redis, budgetredis.Options{KeyPrefix: budgetCfg.Redis.KeyPrefix}), nil
	default:
		a.logger.Info("using in-memory budget ledger")
		return budgetmemory.New(), nil
	}
}

// setupBlobStore returns nil when neither render archiving nor the event log
// is enabled.
func (a *App) setupBlobStore(ctx context.Context) (crawler.BlobStore, error) {
	arch := a.cfg.Archive
	if !arch.Enabled && !a.cfg.Notify.EventLog {
		return nil, nil
	}
	switch arch.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: arch.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS archive backend", zap.String("bucket", arch.Bucket))
		return store, nil
	case config.BackendLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: arch.Dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local archive backend", zap.String("path", arch.Dir))
		return store, nil
	default:
		a.logger.Info("using in-memory archive backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	pubCfg := a.cfg.Notify.Publisher
	switch pubCfg.Backend {
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, pubCfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.pubsubPublisher = gcppublisher.New(client)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", pubCfg.ProjectID),
			zap.String("topic", pubCfg.Topic),
		)
		return a.pubsubPublisher, nil
	case config.BackendMemory:
		a.logger.Warn("using in-memory publisher; events are not delivered anywhere")
		return memorypublisher.New(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupHub(ctx context.Context, blobs crawler.BlobStore, publisher crawler.Publisher) error {
	notifyCfg := a.cfg.Notify
	var sinkList []notify.Sink
	if notifyCfg.Log {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger))
	}
	if notifyCfg.Prometheus {
		promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return fmt.Errorf("prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if notifyCfg.EventLog && blobs != nil {
		sinkList = append(sinkList, sinks.NewArchiveSink(blobs, "events", a.logger))
	}
	if publisher != nil {
		sinkList = append(sinkList, sinks.NewPublisherSink(
			publisher,
			notifyCfg.Publisher.Topic,
			crawler.Severity(notifyCfg.Publisher.MinSeverity),
			a.logger,
		))
	}
	if len(sinkList) == 0 {
		a.logger.Warn("no change sinks configured; events are only counted")
	}
	a.hub = notify.NewHub(notify.Config{
		BufferSize:     notifyCfg.BufferSize,
		MaxBatchEvents: notifyCfg.MaxBatchEvents,
		MaxBatchWait:   notifyCfg.MaxBatchWait,
		SinkTimeout:    notifyCfg.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("notify_hub"),
	}, sinkList...)
	a.logger.Info("notify hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

func (a *App) setupWorkers(blobs crawler.BlobStore, clock crawler.Clock) ([]dispatcher.Worker, error) {
	cfg := a.cfg
	deps := worker.Deps{
		Pages:     a.pages,
		Snapshots: a.snapshots,
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Crawler.UserAgent,
			RespectRobots: cfg.Crawler.RespectRobots,
			Timeout:       cfg.Crawler.FetchTimeout,
			MaxBodyBytes:  cfg.Crawler.MaxBodyBytes,
		}, a.logger),
		Shell: detector.NewHeuristic(cfg.Headless.ShellThreshold, cfg.Headless.ShellMarkers...),
		Politeness: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Crawler.RateLimitRPS,
			DefaultBurst: cfg.Crawler.RateLimitBurst,
			HostRPS:      cfg.HostRPS(),
		}),
		Hasher: normalize.New(normalize.Options{
			ExtraVolatileAttrs:  cfg.Normalize.VolatileAttrs,
			ExtraTrackingParams: cfg.Normalize.TrackingParams,
		}),
		Scheduler: a.scheduler,
		Sink:      a.hub,
	}

	switch {
	case cfg.Headless.Enabled:
		renderer, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			SettleDelay:       cfg.Headless.SettleDelay,
			MaxBodyBytes:      cfg.Headless.MaxBodyBytes,
			MaxExchanges:      cfg.Headless.MaxExchanges,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("headless renderer init failed: %w", err)
		}
		a.renderer = renderer
		deps.Renderer = renderer
		a.logger.Info("using headless renderer", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	case cfg.Headless.StaticExtraction:
		a.logger.Warn("headless disabled; extracting from cheap HTML")
	default:
		a.logger.Warn("headless disabled; every render will fail")
		deps.Renderer = headlessfetcher.NewNoop()
	}

	var llm crawler.LLM
	if cfg.LLM.Enabled {
		client, err := anthropic.New(anthropic.Config{
			APIKey:     cfg.LLM.APIKey,
			Model:      cfg.LLM.Model,
			MaxTokens:  cfg.LLM.MaxTokens,
			BaseURL:    cfg.LLM.BaseURL,
			MaxRetries: cfg.LLM.MaxRetries,
			Timeout:    cfg.LLM.Timeout,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("llm client init failed: %w", err)
		}
		llm = client
	}
	deps.Engine = extract.New(extract.Options{
		MaxDepth:     cfg.Extract.MaxDepth,
		LLMThreshold: cfg.Extract.LLMThreshold,
		LLMTimeout:   cfg.Extract.LLMTimeout,
		ExcerptBytes: cfg.Extract.ExcerptBytes,
	}, llm, a.logger)

	clsBase, clsSites := cfg.ClassifierConfig()
	classifiers, err := classifier.NewSet(clsBase, clsSites, a.logger)
	if err != nil {
		return nil, fmt.Errorf("classifier init failed: %w", err)
	}
	deps.Classifiers = classifiers

	changeBase, changeSites := cfg.ChangeConfig()
	detectors, err := change.NewSet(changeBase, changeSites, uuid.New(), clock, a.logger)
	if err != nil {
		return nil, fmt.Errorf("change detector init failed: %w", err)
	}
	deps.Detectors = detectors

	if cfg.Archive.Enabled && blobs != nil {
		archiver, err := archive.New(blobs, clock, cfg.Archive.Prefix)
		if err != nil {
			return nil, fmt.Errorf("archive init failed: %w", err)
		}
		deps.Archive = archiver
	}

	workerCfg := worker.Config{
		FetchTimeout:  cfg.Crawler.FetchTimeout,
		RenderTimeout: cfg.Headless.RenderTimeout,
		Rules:         cfg.Rules(),
	}
	workers := make([]dispatcher.Worker, 0, cfg.Crawler.Workers)
	for i := 0; i < cfg.Crawler.Workers; i++ {
		w, err := worker.New(deps, workerCfg, a.logger.With(zap.Int("worker", i)))
		if err != nil {
			return nil, fmt.Errorf("worker init failed: %w", err)
		}
		workers = append(workers, w)
	}
	a.logger.Info("worker config",
		zap.Int("workers", len(workers)),
		zap.Duration("fetch_timeout", workerCfg.FetchTimeout),
		zap.Duration("render_timeout", workerCfg.RenderTimeout),
		zap.Bool("archive", deps.Archive != nil),
		zap.Bool("llm", llm != nil),
	)
	return workers, nil
}

// SyncPages seeds the page store from configuration. Existing pages keep
// their scheduling state; only URL, site and category follow the config.
// Stored pages that are no longer configured are marked removed.
func (a *App) SyncPages(ctx context.Context) error {
	configured := a.cfg.TrackedPages()
	seen := make(map[string]struct{}, len(configured))
	var added, updated int
	for _, page := range configured {
		seen[page.ID] = struct{}{}
		existing, err := a.pages.GetPage(ctx, page.ID)
		switch {
		case errors.Is(err, crawler.ErrNotFound):
			added++
		case err != nil:
			return fmt.Errorf("load page %s: %w", page.ID, err)
		default:
			if existing.URL == page.URL && existing.SiteID == page.SiteID &&
				existing.Category == page.Category && existing.Status != crawler.PageStatusRemoved {
				continue
			}
			existing.URL, existing.SiteID, existing.Category = page.URL, page.SiteID, page.Category
			if existing.Status == crawler.PageStatusRemoved {
				existing.Status = crawler.PageStatusActive
			}
			page = existing
			updated++
		}
		if err := a.pages.SavePage(ctx, page); err != nil {
			return fmt.Errorf("save page %s: %w", page.ID, err)
		}
	}

	stored, err := a.pages.ListPages(ctx)
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	var retired int
	for _, page := range stored {
		if _, ok := seen[page.ID]; ok || page.Status == crawler.PageStatusRemoved {
			continue
		}
		page.Status = crawler.PageStatusRemoved
		if err := a.pages.SavePage(ctx, page); err != nil {
			return fmt.Errorf("retire page %s: %w", page.ID, err)
		}
		retired++
	}
	a.logger.Info("tracked pages synced",
		zap.Int("configured", len(configured)),
		zap.Int("added", added),
		zap.Int("updated", updated),
		zap.Int("retired", retired),
	)
	return nil
}

// Run starts the dispatcher and the ops server and blocks until the context
// is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.SyncPages(ctx); err != nil {
		return err
	}
	a.logger.Info("application started")

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

	var srv *http.Server
	if a.cfg.Server.Enabled {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("dispatcher did not stop before shutdown timeout")
	}
	return a.Close(shutdownCtx)
}

// RunOnce checks every due page exactly once and returns the batch summary.
// The caller still owns Close.
func (a *App) RunOnce(ctx context.Context) (dispatcher.Summary, error) {
	if err := a.SyncPages(ctx); err != nil {
		return dispatcher.Summary{}, err
	}
	summary, err := a.dispatch.RunOnce(ctx)
	if err != nil {
		return summary, fmt.Errorf("batch run: %w", err)
	}
	a.logger.Info("batch run complete",
		zap.Int("checked", summary.Checked),
		zap.Int("rendered", summary.Rendered),
		zap.Int("extracted", summary.Extracted),
		zap.Int("changed", summary.Changed),
		zap.Int("events", summary.Events),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

// Handler exposes the ops API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Pages exposes the page store.
func (a *App) Pages() crawler.PageStore {
	return a.pages
}

// Snapshots exposes the snapshot store.
func (a *App) Snapshots() crawler.SnapshotStore {
	return a.snapshots
}

// Close gracefully shuts down the application. The hub is flushed before the
// publisher and blob store clients go away.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return nil
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("notify hub close failed", zap.Error(err))
		}
		a.hub = nil
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
		a.pubsubPublisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcs = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
		a.redis = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if a.renderer != nil {
		a.renderer.Close()
		a.renderer = nil
	}
}
