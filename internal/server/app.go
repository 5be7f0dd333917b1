// Package server builds the crawl run's dependencies from configuration and
// owns their lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/journal-crawler/internal/antibot"
	"github.com/JakeFAU/journal-crawler/internal/api"
	"github.com/JakeFAU/journal-crawler/internal/archive"
	"github.com/JakeFAU/journal-crawler/internal/catalog"
	"github.com/JakeFAU/journal-crawler/internal/checkpoint"
	"github.com/JakeFAU/journal-crawler/internal/clock/system"
	"github.com/JakeFAU/journal-crawler/internal/config"
	"github.com/JakeFAU/journal-crawler/internal/consensus"
	"github.com/JakeFAU/journal-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/journal-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/journal-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/journal-crawler/internal/id/uuid"
	"github.com/JakeFAU/journal-crawler/internal/judge"
	"github.com/JakeFAU/journal-crawler/internal/metrics"
	pubsubnotify "github.com/JakeFAU/journal-crawler/internal/notify/pubsub"
	"github.com/JakeFAU/journal-crawler/internal/pipeline"
	"github.com/JakeFAU/journal-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/journal-crawler/internal/report"
	gcsstorage "github.com/JakeFAU/journal-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/journal-crawler/internal/storage/local"
	pgstore "github.com/JakeFAU/journal-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/journal-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/journal-crawler/internal/strategy"
)

// Store is the persistence surface a run needs.
type Store interface {
	crawler.ArticleStore
	crawler.CheckpointStore
	crawler.FailureRegistry
}

// Options carries per-invocation overrides.
type Options struct {
	// Window replaces every stream's checkpoint-derived window.
	Window *crawler.Window
}

// Result is what a finished run produced.
type Result struct {
	Summary crawler.RunSummary
	// Exports maps artifact names to the URIs they were written to.
	Exports map[string]string
}

// App contains the run's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	catalog    *catalog.Catalog
	store      Store
	closeStore func() error
	pipeline   *pipeline.Pipeline
	progress   *api.Progress
	exporter   *report.Exporter
	notifier   *pubsubnotify.Notifier
	browser    *headlessfetcher.Fetcher
	storage    *storage.Client
	clock      crawler.Clock
}

// Build creates the application's dependencies. On error everything already
// opened is closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app = &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	app.catalog, err = catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("catalog init failed: %w", err)
	}
	app.logger.Info("catalog loaded",
		zap.String("path", cfg.Catalog.Path),
		zap.Int("streams", len(app.catalog.Streams())),
	)

	app.store, app.closeStore, err = OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err = app.setupExport(ctx); err != nil {
		return nil, err
	}
	if err = app.setupNotifier(ctx); err != nil {
		return nil, err
	}
	selector, err := app.setupFetcher()
	if err != nil {
		return nil, err
	}
	classifier, err := app.setupClassifier()
	if err != nil {
		return nil, err
	}

	checkpoints := checkpoint.NewManager(app.store, app.store, app.clock, cfg.Lookback(), logger.Named("checkpoint"))
	if opts.Window != nil {
		checkpoints = checkpoints.WithOverride(*opts.Window)
		app.logger.Info("window override active",
			zap.Time("start", opts.Window.Start),
			zap.Time("end", opts.Window.End),
		)
	}

	var notifier crawler.Notifier
	if app.notifier != nil {
		notifier = app.notifier
	}
	app.progress = api.NewProgress(app.clock)
	app.pipeline = pipeline.New(
		selector,
		app.catalog,
		archive.NewResolver(cfg.Window.FallbackLimit, logger.Named("resolver")),
		checkpoints,
		classifier,
		app.store,
		notifier,
		app.clock,
		uuid.New(),
		cfg.PassConfig(),
		logger.Named("pipeline"),
	).WithObserver(app.progress)

	return app, nil
}

// OpenStore opens the configured store and returns it with its closer.
func OpenStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (Store, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pg, err := pgstore.New(ctx, cfg.PostgresConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("postgres migrate failed: %w", err)
		}
		logger.Info("using postgres store", zap.String("table_prefix", cfg.Store.TablePrefix))
		return pg, func() error { pg.Close(); return nil }, nil
	case config.DriverSQLite:
		lite, err := sqlitestore.Open(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		logger.Info("using sqlite store", zap.String("path", lite.Path()))
		return lite, lite.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func (a *App) setupExport(ctx context.Context) error {
	var blobs crawler.BlobStore
	switch a.cfg.Export.Driver {
	case config.DriverGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err = gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Export.Bucket, Prefix: a.cfg.Export.Prefix})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("exporting reports to GCS", zap.String("bucket", a.cfg.Export.Bucket))
	case config.DriverLocal:
		local, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Export.Dir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = local
		a.logger.Info("exporting reports locally", zap.String("dir", a.cfg.Export.Dir))
	default:
		a.logger.Info("report export disabled")
		return nil
	}
	a.exporter = report.NewExporter(blobs, a.logger.Named("report"))
	return nil
}

func (a *App) setupNotifier(ctx context.Context) error {
	if !a.cfg.NotifyEnabled() {
		a.logger.Debug("no Pub/Sub topic configured, notifications disabled")
		return nil
	}
	n, err := pubsubnotify.New(ctx, a.cfg.Notify.ProjectID, a.cfg.Notify.Topic, a.logger.Named("notify"))
	if err != nil {
		return fmt.Errorf("pubsub notifier init failed: %w", err)
	}
	a.notifier = n
	a.logger.Info("Pub/Sub notifier initialized",
		zap.String("project", a.cfg.Notify.ProjectID),
		zap.String("topic", a.cfg.Notify.Topic),
	)
	return nil
}

func (a *App) setupFetcher() (*strategy.Selector, error) {
	direct := collyfetcher.New(a.cfg.CollyConfig())
	var browser crawler.Browser
	if a.cfg.Headless.Enabled {
		b, err := headlessfetcher.NewChromedp(a.cfg.BrowserConfig())
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.browser = b
		browser = b
		a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	} else {
		a.logger.Warn("headless fetcher disabled, challenged pages will fail")
	}
	detector := antibot.NewDetector(a.cfg.DetectorConfig())
	awaiter := antibot.NewAwaiter(detector, a.cfg.AwaitConfig(), a.clock, nil, a.logger.Named("antibot"))
	var limiter *ratelimit.Limiter
	if a.cfg.Fetch.PerHostRPS > 0 {
		limiter = ratelimit.New(a.cfg.RateLimitConfig())
	}
	agents := crawler.NewUserAgentPool(a.cfg.Fetch.UserAgents)
	a.logger.Info("fetch strategy ready",
		zap.Int("user_agents", agents.Len()),
		zap.Int("direct_attempts", a.cfg.Fetch.DirectAttempts),
		zap.Float64("per_host_rps", a.cfg.Fetch.PerHostRPS),
	)
	return strategy.NewSelector(
		direct,
		browser,
		awaiter,
		limiter,
		agents,
		nil,
		a.cfg.StrategyConfig(),
		a.logger.Named("strategy"),
	), nil
}

func (a *App) setupClassifier() (*consensus.Classifier, error) {
	client, err := judge.New(a.cfg.JudgeClientConfig(), nil)
	if err != nil {
		return nil, fmt.Errorf("judge client init failed: %w", err)
	}
	retrying := judge.NewRetrying(
		client,
		crawler.NewBackoffPolicy(a.cfg.JudgeRetry()),
		nil,
		a.logger.Named("judge"),
	)
	a.logger.Info("judge configured",
		zap.String("model", a.cfg.Judge.Model),
		zap.Int("batch_size", a.cfg.Consensus.BatchSize),
		zap.Int("workers", a.cfg.Consensus.Workers),
	)
	return consensus.NewClassifier(retrying, a.cfg.ClassifierConfig(), nil, a.logger.Named("consensus")), nil
}

// Catalog returns the loaded stream catalog.
func (a *App) Catalog() *catalog.Catalog {
	return a.catalog
}

// Failures returns the failed-stream registry.
func (a *App) Failures() crawler.FailureRegistry {
	return a.store
}

// Crawl runs the pipeline over streams, records failures and writes the
// exports. The status server runs for the duration when metrics.addr is set.
// A failed export is logged and returned alongside the summary.
func (a *App) Crawl(ctx context.Context, streams []crawler.Stream) (Result, error) {
	stopServer := a.serveStatus(streams)
	defer stopServer()

	summary := a.pipeline.Run(ctx, streams)
	res := Result{Summary: summary}

	// Bookkeeping must land even when the run was interrupted.
	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	var errs []error
	if err := pipeline.RecordFailures(bookCtx, a.store, summary, a.clock.Now()); err != nil {
		a.logger.Error("recording failures failed", zap.Error(err))
		errs = append(errs, err)
	}
	if a.exporter != nil {
		uris, err := a.exporter.Export(bookCtx, summary)
		res.Exports = uris
		if err != nil {
			a.logger.Error("report export failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

func (a *App) serveStatus(streams []crawler.Stream) func() {
	if a.cfg.Metrics.Addr == "" {
		return func() {}
	}
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           api.NewServer(streams, a.store, a.progress, a.logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("status server started", zap.String("addr", a.cfg.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("status server error", zap.Error(err))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("status server shutdown error", zap.Error(err))
		}
	}
}

// Close releases everything Build opened. It is safe to call on a partially
// built App.
func (a *App) Close() {
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			a.logger.Warn("pubsub notifier close failed", zap.Error(err))
		}
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}
