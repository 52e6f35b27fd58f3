// Package server builds the sync application from configuration and owns the
// lifetime of its clients.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-sync/internal/api"
	"github.com/JakeFAU/jobboard-sync/internal/clock/system"
	"github.com/JakeFAU/jobboard-sync/internal/config"
	"github.com/JakeFAU/jobboard-sync/internal/crawler"
	"github.com/JakeFAU/jobboard-sync/internal/eventlog"
	"github.com/JakeFAU/jobboard-sync/internal/extract"
	"github.com/JakeFAU/jobboard-sync/internal/fetcher"
	collyfetcher "github.com/JakeFAU/jobboard-sync/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/jobboard-sync/internal/fetcher/headless"
	"github.com/JakeFAU/jobboard-sync/internal/id/uuid"
	"github.com/JakeFAU/jobboard-sync/internal/index"
	"github.com/JakeFAU/jobboard-sync/internal/lock"
	"github.com/JakeFAU/jobboard-sync/internal/pipeline"
	"github.com/JakeFAU/jobboard-sync/internal/policy/ratelimit"
	"github.com/JakeFAU/jobboard-sync/internal/policy/stop"
	"github.com/JakeFAU/jobboard-sync/internal/progress"
	gcppublisher "github.com/JakeFAU/jobboard-sync/internal/publisher/pubsub"
	"github.com/JakeFAU/jobboard-sync/internal/snapshot"
	gcsstorage "github.com/JakeFAU/jobboard-sync/internal/storage/gcs"
	localstorage "github.com/JakeFAU/jobboard-sync/internal/storage/local"
	pgstore "github.com/JakeFAU/jobboard-sync/internal/storage/postgres"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	runner    *pipeline.Runner
	apiServer *api.Server

	lock      *lock.Lock
	headless  *headlessfetcher.Fetcher
	jobStore  *pgstore.JobStore
	storage   *storage.Client
	publisher *gcppublisher.Publisher
}

// Build creates the application's dependencies. Configured mirrors that
// cannot be initialised fail the build.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	app.lock, err = lock.Acquire(cfg.OutDir)
	if err != nil {
		return app, fmt.Errorf("lock output directory: %w", err)
	}
	logger.Debug("output directory locked", zap.String("path", app.lock.Path()))

	blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.OutDir})
	if err != nil {
		return app, fmt.Errorf("local blob store init failed: %w", err)
	}
	idx, err := index.Open(ctx, blobs, index.FileName, logger.Named("index"))
	if err != nil {
		return app, fmt.Errorf("open index: %w", err)
	}
	events, err := eventlog.New(filepath.Join(blobs.Dir(), eventlog.FileName))
	if err != nil {
		return app, fmt.Errorf("open event log: %w", err)
	}
	policy, err := stop.New(crawler.Mode(cfg.Mode), cfg.MaxAgeDays)
	if err != nil {
		return app, fmt.Errorf("stop policy init failed: %w", err)
	}

	clock := system.New()
	tracker := progress.NewTracker(clock)
	deps := pipeline.Deps{
		Fetcher:   app.setupFetcher(),
		Extractor: extract.New(cfg.Extract),
		Policy:    policy,
		Index:     idx,
		Events:    events,
		Snapshots: snapshot.NewWriter(blobs, logger.Named("snapshot")),
		Clock:     clock,
		IDs:       uuid.New(),
		Pauser:    crawler.TimerPauser{},
		Tracker:   tracker,
		Logger:    logger,
	}

	if err = app.setupDatabase(ctx, &deps); err != nil {
		return app, err
	}
	if err = app.setupStorage(ctx, blobs, idx.Path(), &deps); err != nil {
		return app, err
	}
	if err = app.setupPublisher(ctx, &deps); err != nil {
		return app, err
	}

	app.runner, err = pipeline.New(pipeline.Config{
		Mode:         crawler.Mode(cfg.Mode),
		BaseURL:      cfg.BaseURL,
		StartPage:    cfg.StartPage,
		MaxPages:     cfg.MaxPages,
		Delay:        cfg.Delay(),
		SummaryTopic: cfg.PubSub.TopicName,
	}, deps)
	if err != nil {
		return app, fmt.Errorf("pipeline init failed: %w", err)
	}

	if cfg.Metrics.Addr != "" {
		app.apiServer = api.NewServer(tracker, logger.Named("api"))
	}
	return app, nil
}

func (a *App) setupFetcher() crawler.Fetcher {
	cfg := a.cfg
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
	})

	var base crawler.Fetcher = static
	if cfg.Fetch.Headless || cfg.Fetch.HeadlessFallback {
		a.headless = headlessfetcher.New(headlessfetcher.Config{
			UserAgent:    cfg.Fetch.UserAgent,
			Timeout:      cfg.FetchTimeout(),
			WaitSelector: "body",
		})
	}
	switch {
	case cfg.Fetch.Headless:
		base = a.headless
		if cfg.Fetch.RespectRobots {
			base = fetcher.NewRobotsGuard(a.headless, nil, cfg.Fetch.UserAgent, a.logger.Named("robots"))
		}
		a.logger.Info("using headless fetcher",
			zap.String("user_agent", cfg.Fetch.UserAgent),
			zap.Bool("respect_robots", cfg.Fetch.RespectRobots),
		)
	case cfg.Fetch.HeadlessFallback:
		base = fetcher.NewPromoting(static, a.headless, fetcher.NewDetector(cfg.Extract.Card, 0), a.logger.Named("fetch"))
		a.logger.Info("using colly fetcher with headless promotion", zap.String("user_agent", cfg.Fetch.UserAgent))
	default:
		a.logger.Info("using colly fetcher",
			zap.String("user_agent", cfg.Fetch.UserAgent),
			zap.Bool("respect_robots", cfg.Fetch.RespectRobots),
		)
	}

	limiter := ratelimit.New(ratelimit.Config{RPS: cfg.Fetch.MaxRPS, Burst: cfg.Fetch.Burst})
	if limiter.Enabled() {
		base = fetcher.NewRateLimited(base, limiter)
		a.logger.Info("per-host rate limit enabled",
			zap.Float64("max_rps", cfg.Fetch.MaxRPS),
			zap.Int("burst", cfg.Fetch.Burst),
		)
	}

	return fetcher.NewRetrying(base, fetcher.LinearRetryPolicy{
		Attempts: cfg.Fetch.Retries,
		Backoff:  cfg.RetryBackoff(),
	}, nil, a.logger.Named("fetch"))
}

func (a *App) setupDatabase(ctx context.Context, deps *pipeline.Deps) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Debug("no db.dsn configured, postgres mirror disabled")
		return nil
	}
	store, err := pgstore.NewJobStore(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: a.cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("postgres mirror init failed: %w", err)
	}
	a.jobStore = store
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("postgres schema init failed: %w", err)
	}
	deps.Mirror = store
	a.logger.Info("postgres mirror initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupStorage(ctx context.Context, src snapshot.Source, indexPath string, deps *pipeline.Deps) error {
	if a.cfg.Storage.GCSBucket == "" {
		return nil
	}
	var err error
	a.storage, err = storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("gcs client init failed: %w", err)
	}
	remote, err := gcsstorage.New(a.storage, gcsstorage.Config{
		Bucket: a.cfg.Storage.GCSBucket,
		Prefix: a.cfg.Storage.Prefix,
	})
	if err != nil {
		return fmt.Errorf("gcs blob store init failed: %w", err)
	}
	deps.Uploader = snapshot.NewUploader(src, remote, map[string]string{
		indexPath:         "application/json",
		snapshot.JSONFile: "application/json",
		snapshot.CSVFile:  "text/csv",
	}, a.logger.Named("upload"))
	a.logger.Info("gcs snapshot upload enabled",
		zap.String("bucket", a.cfg.Storage.GCSBucket),
		zap.String("prefix", a.cfg.Storage.Prefix),
	)
	return nil
}

func (a *App) setupPublisher(ctx context.Context, deps *pipeline.Deps) error {
	if a.cfg.PubSub.TopicName == "" {
		return nil
	}
	var err error
	a.publisher, err = gcppublisher.New(ctx, gcppublisher.Config{
		ProjectID: a.cfg.PubSub.ProjectID,
		TopicName: a.cfg.PubSub.TopicName,
	})
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	deps.Publisher = a.publisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

// Runner exposes the pipeline runner.
func (a *App) Runner() *pipeline.Runner {
	return a.runner
}

// Run executes one sync. SIGINT and SIGTERM cancel it; the index committed so
// far stays valid.
func (a *App) Run(ctx context.Context) (crawler.RunSummary, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.apiServer != nil {
		srv := &http.Server{
			Addr:              a.cfg.Metrics.Addr,
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.String("addr", a.cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("server shutdown error", zap.Error(err))
			}
		}()
	}

	summary, err := a.runner.Run(ctx)
	if err != nil {
		return summary, fmt.Errorf("run sync: %w", err)
	}
	return summary, nil
}

// Close releases clients and the output lock. It is safe on a partly built
// App.
func (a *App) Close() {
	if a.headless != nil {
		if err := a.headless.Close(); err != nil {
			a.logger.Warn("headless fetcher close failed", zap.Error(err))
		}
	}
	if a.jobStore != nil {
		a.jobStore.Close()
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			a.logger.Warn("lock release failed", zap.Error(err))
		}
	}
	a.logger.Debug("shutdown complete")
	// Sync fails on some terminals for stderr.
	_ = a.logger.Sync()
}
