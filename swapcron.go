package swapcron

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/Deepreo/swapcron/config"
	"github.com/Deepreo/swapcron/core"
	"github.com/Deepreo/swapcron/errors"
	"github.com/Deepreo/swapcron/modules/api"
	"github.com/Deepreo/swapcron/modules/cache"
	"github.com/Deepreo/swapcron/modules/database"
	"github.com/Deepreo/swapcron/modules/dca"
	"github.com/Deepreo/swapcron/modules/event"
	"github.com/Deepreo/swapcron/modules/lock"
	"github.com/Deepreo/swapcron/modules/metrics"
	"github.com/Deepreo/swapcron/modules/poller"
	"github.com/Deepreo/swapcron/modules/relay"
	"github.com/Deepreo/swapcron/modules/scheduler"
	"github.com/Deepreo/swapcron/modules/servers"
	"github.com/Deepreo/swapcron/modules/store"
	"github.com/Deepreo/swapcron/modules/swap"
	"github.com/Deepreo/swapcron/modules/telemetry"
	"github.com/Deepreo/swapcron/modules/tokens"
)

type Application struct {
	cfg    *config.Config
	logger *slog.Logger

	server    *servers.HttpServer
	store     core.JobStore
	bus       core.NotificationBus
	cache     cache.Cache
	scheduler *scheduler.InMemoryScheduler
	redis     *redis.Client

	relay    *relay.Client
	tokens   *tokens.Cache
	poller   *poller.Poller
	dca      *dca.Service
	swaps    *swap.Service
	metrics  *metrics.Snapshotter
	health   *api.Health
	degraded bool
}

type options struct {
	logger *slog.Logger
	store  core.JobStore
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStore skips the configured store driver and uses s.
func WithStore(s core.JobStore) Option {
	return func(o *options) { o.store = s }
}

// New wires every component. Infrastructure that cannot be reached is
// replaced by its in-process counterpart, except the job store: without it
// the application runs degraded and the scheduler is never started.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Application, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = config.NewLogger(cfg.App, os.Stdout)
	}
	app := &Application{cfg: cfg, logger: o.logger}
	reporter := errors.NewLogReporter(app.logger, errors.WithAlert(func(ctx context.Context, source string, err error) {
		app.logger.ErrorContext(ctx, "critical component error, operator attention required", "source", source, "error", err)
	}))
	telem := telemetry.New()

	app.store = o.store
	if app.store == nil {
		s, err := openStore(ctx, cfg.Store)
		if err != nil {
			app.logger.ErrorContext(ctx, "job store unavailable, running degraded", "driver", cfg.Store.Driver, "error", err)
			s = store.NewUnavailable(err)
			app.degraded = true
		}
		app.store = s
	}

	if err := app.openNotify(ctx); err != nil {
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	app.scheduler, err = scheduler.NewInMemoryScheduler(
		scheduler.WithLogger(app.logger),
		scheduler.WithLocation(loc),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	app.scheduler.Use(telem.SchedulerMiddleware())
	if !app.degraded {
		app.scheduler.Start()
	}

	app.relay = relay.NewClient(&cfg.Relay, app.logger)
	source := relay.NewStatusSource(app.relay, cfg.Relay.Breaker, app.logger)
	app.tokens = tokens.New(app.relay.Chains, cfg.Tokens, tokens.WithLogger(app.logger))

	locks, err := lock.NewKeyed(cfg.Locks.Capacity)
	if err != nil {
		return nil, err
	}

	app.poller = poller.New(app.store, app.scheduler, locks, source, app.bus, cfg.Poller,
		poller.WithReporter(reporter),
		poller.WithMetrics(telem),
		poller.WithLogger(app.logger),
	)
	app.dca = dca.NewService(app.store, app.scheduler, locks,
		dca.NewQuoteAction(app.relay, app.tokens, app.logger),
		dca.WithReporter(reporter),
		dca.WithMetrics(telem),
		dca.WithLogger(app.logger),
	)
	app.swaps = swap.NewService(app.store, app.relay, app.tokens, app.cache, locks,
		swap.WithTracker(app.poller),
		swap.WithReporter(reporter),
		swap.WithLogger(app.logger),
	)
	app.metrics = metrics.New(app.store, app.scheduler, app.cache, app.tokens, cfg.Metrics, metrics.WithLogger(app.logger))

	app.health = api.NewHealth(0, nil)
	app.health.Add("database", app.store.HealthCheck)
	app.health.AddDetailed("scheduler", func(context.Context) (map[string]any, error) {
		details := map[string]any{
			"scheduler_running": app.scheduler.Available(),
			"job_count":         len(app.scheduler.Jobs()),
			"locks":             locks.Len(),
		}
		if !app.scheduler.Available() {
			return details, errors.ErrSchedulerUnavailable
		}
		return details, nil
	})
	app.health.AddDetailed("errors", func(context.Context) (map[string]any, error) {
		return map[string]any{
			"counts":  reporter.Counts(),
			"retries": reporter.Retries(),
		}, nil
	})
	app.health.Add("relay_api", app.relay.Health)
	app.health.Add("cache", app.cache.HealthCheck)

	serverCfg := cfg.Server
	app.server, err = servers.NewHttpServer(servers.WithConfig(&serverCfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create http server: %w", err)
	}
	api.Register(app.server, api.Dependencies{
		Tracker:    app.poller,
		Jobs:       app.dca,
		Swaps:      app.swaps,
		Metrics:    app.metrics,
		Events:     app.store,
		Quoter:     app.relay,
		Resolver:   app.tokens,
		Bus:        app.bus,
		Health:     app.health,
		Prometheus: telem.Handler(),
		Stream:     cfg.Stream,
		Logger:     app.logger,
	})
	return app, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (core.JobStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(), nil
	case config.DriverPostgres:
		db, err := database.New(ctx, &cfg.Postgres)
		if err != nil {
			return nil, err
		}
		s := store.NewPostgres(db)
		if err := s.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return s, nil
	default:
		s, err := store.NewMongo(ctx, &cfg.Mongo)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// openNotify connects the notification bus and the shared cache. Both
// share one Redis client and fall back to process-local implementations
// when Redis is not configured or unreachable.
func (app *Application) openNotify(ctx context.Context) error {
	if app.cfg.Notify.Driver == config.DriverRedis {
		client, err := cache.Dial(ctx, &app.cfg.Redis)
		if err == nil {
			app.redis = client
			app.bus = event.NewRedis(client, app.logger, event.WithBuffer(app.cfg.Notify.Buffer))
			app.cache = cache.NewWithClient(client, app.cfg.Redis.Prefix)
			return nil
		}
		app.logger.WarnContext(ctx, "redis unavailable, using in-process notifications", "error", err)
	}
	bus, err := event.NewInMemory(app.logger, event.WithBuffer(app.cfg.Notify.Buffer))
	if err != nil {
		return fmt.Errorf("failed to create notification bus: %w", err)
	}
	app.bus = bus
	app.cache = cache.NewMemory(nil, app.cfg.Redis.Prefix)
	return nil
}

// Recover restores timers for every persisted DCA job and open swap track
// and starts the periodic sweep and metrics collection.
func (app *Application) Recover(ctx context.Context) error {
	if app.degraded {
		app.logger.WarnContext(ctx, "skipping recovery while degraded")
		return nil
	}
	if err := app.tokens.Refresh(ctx); err != nil {
		app.logger.WarnContext(ctx, "token catalogue refresh failed", "error", err)
	}
	if _, err := app.dca.Rehydrate(ctx); err != nil {
		return fmt.Errorf("failed to rehydrate dca jobs: %w", err)
	}
	if _, err := app.poller.Rehydrate(ctx); err != nil {
		return fmt.Errorf("failed to rehydrate swap tracks: %w", err)
	}
	if err := app.poller.StartSweep(); err != nil {
		return fmt.Errorf("failed to start track sweep: %w", err)
	}
	if err := app.metrics.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics collection: %w", err)
	}
	return nil
}

// Run recovers persisted work and serves HTTP until the server stops.
func (app *Application) Run(ctx context.Context) error {
	if err := app.Recover(ctx); err != nil {
		return err
	}
	app.logger.InfoContext(ctx, "starting http server", "host", app.cfg.Server.Host, "port", app.cfg.Server.Port, "degraded", app.degraded)
	return app.server.Run()
}

func (app *Application) Shutdown(ctx context.Context) error {
	var errs []error
	if err := app.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := app.scheduler.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if err := app.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("notification bus: %w", err))
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if err := app.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("job store: %w", err))
	}
	return errors.Join(errs...)
}

func (app *Application) Server() *servers.HttpServer { return app.server }

func (app *Application) Scheduler() core.Scheduler { return app.scheduler }

func (app *Application) Degraded() bool { return app.degraded }
