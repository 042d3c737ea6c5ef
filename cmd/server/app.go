package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/glyph-api/internal/api/middleware"
	"github.com/phrazzld/glyph-api/internal/autoscale"
	"github.com/phrazzld/glyph-api/internal/config"
	"github.com/phrazzld/glyph-api/internal/coord"
	"github.com/phrazzld/glyph-api/internal/credential"
	"github.com/phrazzld/glyph-api/internal/events"
	"github.com/phrazzld/glyph-api/internal/metrics"
	"github.com/phrazzld/glyph-api/internal/platform/gemini"
	"github.com/phrazzld/glyph-api/internal/platform/postgres"
	"github.com/phrazzld/glyph-api/internal/poll"
	"github.com/phrazzld/glyph-api/internal/stream"
	"github.com/phrazzld/glyph-api/internal/task"
	"github.com/phrazzld/glyph-api/internal/worker"
	"golang.org/x/sync/errgroup"
)

const (
	sampleInterval  = 5 * time.Second
	geminiHealthTTL = 30 * time.Second
	maxStoreBackoff = 5 * time.Second
	healthEndpoint  = "/health"
	metricsEndpoint = "/metrics"
)

// application holds the shared dependencies of one server instance and
// releases them on shutdown.
type application struct {
	config     *config.Config
	logger     *slog.Logger
	instanceID string

	coord coord.Client
	db    *sql.DB

	emitter    *events.InMemoryEventEmitter
	tasks      *task.Store
	archive    *postgres.Archive
	registry   *credential.Registry
	translator *gemini.Translator
	health     *gemini.HealthProbe
	pool       *worker.Pool
	poller     *poll.Poller
	stream     *stream.Handler
	scaler     *autoscale.Scaler
	metrics    *metrics.Collector
	limiter    *middleware.RateLimiter
}

// newApplication connects the coordination store and builds every component.
// The returned application owns its connections; call cleanup when done.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, instanceID string) (*application, error) {
	app := &application{
		config:     cfg,
		logger:     logger,
		instanceID: instanceID,
		metrics:    metrics.NewCollector(),
	}
	if err := app.init(ctx); err != nil {
		app.cleanup()
		return nil, err
	}
	logger.Info("application initialized successfully")
	return app, nil
}

func (app *application) init(ctx context.Context) error {
	cfg, logger := app.config, app.logger

	var err error

	app.coord, err = connectCoord(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}

	app.emitter = events.NewInMemoryEventEmitter(logger)
	if cfg.Database.URL != "" {
		app.db, err = setupAppDatabase(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		app.archive = postgres.NewArchive(app.db, logger)
		app.emitter.RegisterHandler(app.archive, events.TypeTaskFinished)
	}

	app.tasks = task.NewStore(app.coord, task.Config{
		LeaseDuration:    cfg.Queue.LeaseDuration,
		Retention:        cfg.Queue.Retention,
		MaxQuotaRequeues: cfg.Queue.MaxQuotaRequeues,
	}, logger, task.WithEmitter(app.emitter))

	creds, err := credential.LoadFile(cfg.LLM.APIKeysFile, credential.Limits{
		RPM: cfg.Credentials.DefaultRPM,
		RPD: cfg.Credentials.DefaultRPD,
		TPM: cfg.Credentials.DefaultTPM,
	})
	if err != nil {
		return fmt.Errorf("failed to load api keys: %w", err)
	}
	app.registry, err = credential.NewRegistry(app.coord, creds, credential.Config{
		FailureThreshold: cfg.Credentials.FailureThreshold,
		BaseCooldown:     cfg.Credentials.BaseCooldown,
		MaxCooldown:      cfg.Credentials.MaxCooldown,
		QuotaCooldown:    cfg.Credentials.QuotaCooldown,
		DisableDuration:  cfg.Credentials.DisableDuration,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize credential registry: %w", err)
	}
	logger.Info("credential registry initialized", "api_keys", app.registry.Len())

	prompts := gemini.LoadPrompts(cfg.LLM.PromptsFile, logger)
	app.translator, err = gemini.NewTranslator(gemini.Config{Model: cfg.LLM.Model}, prompts, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize translator: %w", err)
	}
	app.health = gemini.NewHealthProbe(app.translator, app.firstActiveKey, geminiHealthTTL, logger)

	app.pool = worker.NewPool(app.tasks, app.registry, app.translator, worker.Config{
		IdlePoll:          cfg.Worker.IdlePoll,
		CallTimeout:       cfg.LLM.CallTimeout,
		MaxRetries:        cfg.LLM.MaxRetries,
		RetryBaseDelay:    cfg.LLM.RetryBaseDelay,
		MaxStoreBackoff:   maxStoreBackoff,
		QuotaRequeueDelay: cfg.Worker.QuotaRequeueDelay,
	}, logger, worker.WithMetrics(app.metrics))

	app.poller = poll.NewPoller(app.tasks, app.pool.Count, poll.Config{
		Interval: cfg.Poll.Interval,
		MaxWait:  cfg.Poll.MaxWait,
	}, logger, poll.WithMetrics(app.metrics))
	streamCfg := stream.DefaultConfig()
	streamCfg.AllowedOrigins = cfg.Server.AllowedOrigins
	app.stream = stream.NewHandler(app.poller, streamCfg, logger)

	if cfg.Autoscale.Enabled {
		app.scaler = autoscale.NewScaler(app.coord, app.tasks, app.pool, autoscale.Config{
			Policy: autoscale.Policy{
				MinWorkers:     cfg.Autoscale.MinWorkers,
				MaxWorkers:     cfg.Autoscale.MaxWorkers,
				SurgeWatermark: cfg.Autoscale.SurgeWatermark,
				HighWatermark:  cfg.Autoscale.HighWatermark,
				LowWatermark:   cfg.Autoscale.LowWatermark,
				LowReadings:    cfg.Autoscale.LowReadings,
				StepUp:         cfg.Autoscale.StepUp,
				LargeChange:    cfg.Autoscale.LargeChange,
				Cooldown:       cfg.Autoscale.Cooldown,
			},
			HeartbeatInterval: cfg.Autoscale.HeartbeatInterval,
			EvalInterval:      cfg.Autoscale.EvalInterval,
			StaleAfter:        cfg.Autoscale.StaleAfter,
			LockTTL:           cfg.Autoscale.LockTTL,
		}, app.instanceID, logger, autoscale.WithMetrics(app.metrics))
	}

	app.limiter = middleware.NewRateLimiter(
		cfg.Server.RateLimitPerMinute,
		cfg.Server.RateLimitBurst,
		logger,
		middleware.WithExemptPaths(healthEndpoint, metricsEndpoint),
	)

	return nil
}

// firstActiveKey feeds the gemini health probe.
func (app *application) firstActiveKey(ctx context.Context) (string, error) {
	cred, err := app.registry.FirstActive(ctx)
	if err != nil {
		return "", err
	}
	return cred.APIKey, nil
}

// Run serves HTTP and drives the background loops until ctx is canceled,
// then drains the worker pool.
func (app *application) Run(ctx context.Context) error {
	initial := app.config.Worker.InitialCount
	if app.scaler != nil && initial < app.config.Autoscale.MinWorkers {
		initial = app.config.Autoscale.MinWorkers
	}
	app.pool.SetTargetCount(initial)
	app.logger.Info("worker pool started", "workers", initial)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.startHTTPServer(gctx, app.setupRouter())
	})
	g.Go(func() error {
		return task.NewReaper(app.tasks, app.config.Queue.ReapInterval, app.logger).Run(gctx)
	})
	g.Go(func() error {
		return metrics.NewSampler(app.metrics, app.tasks, app.pool.Stats, sampleInterval, app.logger).Run(gctx)
	})
	g.Go(func() error {
		return app.limiter.Run(gctx)
	})
	if app.scaler != nil {
		g.Go(func() error {
			return app.scaler.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), app.config.Worker.ShutdownTimeout)
		defer cancel()
		if err := app.pool.Shutdown(shutdownCtx); err != nil {
			app.logger.Error("worker pool did not drain in time", "error", err)
			return fmt.Errorf("worker shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// cleanup closes the connections held by the application.
func (app *application) cleanup() {
	if app.coord != nil {
		if err := app.coord.Close(); err != nil {
			app.logger.Error("error closing coordination store", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}
	app.logger.Info("application shutdown completed")
}
