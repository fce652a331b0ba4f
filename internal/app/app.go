// Package app assembles the provisioner from its configuration: storage,
// locking, providers, the job queue and its handlers, webhooks and the
// HTTP API.
package app

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"provisioner/internal/api"
	"provisioner/internal/config"
	"provisioner/internal/dispatcher"
	"provisioner/internal/handlers"
	"provisioner/internal/health"
	"provisioner/internal/job"
	"provisioner/internal/lab"
	"provisioner/internal/lock"
	"provisioner/internal/observability"
	"provisioner/internal/provision"
	"provisioner/internal/store"
	"provisioner/pkg/circuitbreaker"
)

// Options carries process-wide dependencies that are not part of Config.
type Options struct {
	Logger         *zap.SugaredLogger
	Metrics        *observability.Metrics // may be nil
	MetricsHandler http.Handler           // served on the metrics port when set
}

// App is a fully wired provisioner.
type App struct {
	cfg     *config.Config
	logger  *zap.SugaredLogger
	metrics *observability.Metrics

	metricsHandler http.Handler

	store      *store.SQLite
	redis      redis.UniversalClient
	locker     lock.Locker
	manager    *provision.Manager
	queue      *job.Queue
	dispatcher *dispatcher.MemoryDispatcher
	health     *health.Checker
	router     http.Handler
	closers    []io.Closer

	maintenance *maintenance
}

// New builds every component. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	a := &App{
		cfg:            cfg,
		logger:         logger,
		metrics:        opts.Metrics,
		metricsHandler: opts.MetricsHandler,
	}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	a.store, err = store.Open(ctx, store.Config{Path: cfg.Store.Path, MaxOpenConns: cfg.Store.MaxOpenConns})
	if err != nil {
		return nil, err
	}
	if cfg.Store.AutoMigrate {
		if err := a.store.Migrate(ctx); err != nil {
			return nil, err
		}
	}

	a.locker, err = a.newLocker(ctx)
	if err != nil {
		return nil, err
	}

	providers, closers, err := buildProviders(cfg.Providers, logger)
	a.closers = append(a.closers, closers...)
	if err != nil {
		return nil, err
	}

	a.manager = provision.NewManager(provision.Config{
		MaxRetries:          cfg.Manager.MaxRetries,
		BaseRetryDelay:      cfg.Manager.BaseRetryDelay,
		HealthCheckInterval: cfg.Manager.HealthCheckInterval,
		LockTimeout:         cfg.Manager.LockTimeout,
		ResetLockTimeout:    cfg.Manager.ResetLockTimeout,
		Breaker: circuitbreaker.Config{
			Threshold:        cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.RecoveryTimeout,
			HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
		},
	}, a.locker, logger, a.metrics)
	if err := a.manager.Initialize(ctx, providers); err != nil {
		return nil, err
	}
	logger.Infow("Providers registered", "providers", a.manager.Providers())

	a.queue = job.NewQueue(job.Config{
		Workers:        cfg.Queue.Workers,
		MaxQueueSize:   cfg.Queue.MaxQueueSize,
		JobTimeout:     cfg.Queue.JobTimeout,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		RetryBaseDelay: cfg.Queue.RetryBaseDelay,
		RetryMaxDelay:  cfg.Queue.RetryMaxDelay,
	}, logger, a.metrics)

	handlers.Register(a.queue, handlers.Deps{
		Manager: a.manager,
		Store:   a.store,
		Settings: handlers.Settings{
			DefaultDuration:     cfg.Handlers.DefaultDuration,
			MaxExtendHours:      cfg.Handlers.MaxExtendHours,
			StartAddressTimeout: cfg.Handlers.StartAddressTimeout,
			ResetAddressTimeout: cfg.Handlers.ResetAddressTimeout,
			NamePrefix:          cfg.Handlers.NamePrefix,
			DefaultProvider:     cfg.Manager.DefaultProvider,
		},
		Logger: logger,
	})

	var dispatcherMetrics dispatcher.MetricsRecorder
	if a.metrics != nil {
		dispatcherMetrics = a.metrics
	}
	var events []string
	for _, outcome := range cfg.Dispatcher.Events {
		events = append(events, job.EventType(job.Status(outcome)))
	}
	a.dispatcher = dispatcher.NewMemory(dispatcher.MemoryConfig{
		BufferSize:  cfg.Dispatcher.BufferSize,
		Workers:     cfg.Dispatcher.Workers,
		HTTPTimeout: cfg.Dispatcher.HTTPTimeout,
		Events:      events,
	}, logger, dispatcherMetrics)
	a.queue.AddListener(dispatcher.NewNotifier(a.dispatcher, cfg.Dispatcher.Source, logger))

	a.health = a.newHealthChecker()
	a.router = api.NewRouter(api.RouterConfig{
		JobService:    job.NewService(a.queue, logger),
		Providers:     a.manager,
		Metrics:       a.metrics,
		HealthChecker: a.health,
		Dispatcher:    a.dispatcher,
		Lab:           lab.NewService(a.store, a.queue, a.manager, logger),
		Logger:        logger,
		APIKey:        cfg.Service.APIKey,
	})

	a.maintenance = newMaintenance(a.queue, cfg.Maintenance, logger)
	return a, nil
}

func (a *App) newLocker(ctx context.Context) (lock.Locker, error) {
	switch a.cfg.Lock.Backend {
	case config.LockBackendRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, errors.Wrapf(err, "connect to redis at %s", a.cfg.Redis.Addr)
		}
		a.logger.Infow("Using redis lock backend", "addr", a.cfg.Redis.Addr)
		return lock.NewRedis(a.redis, lock.RedisConfig{
			KeyPrefix: a.cfg.Lock.KeyPrefix,
			LeaseTTL:  a.cfg.Lock.LeaseTTL,
		}, a.logger), nil
	default:
		return lock.NewLocal(), nil
	}
}

func (a *App) newHealthChecker() *health.Checker {
	c := health.NewChecker().
		Add("store", health.CheckFunc(a.store.Ping)).
		Add("providers", a.manager).
		Add("queue", health.CheckFunc(func(context.Context) error {
			if !a.queue.QueueStatus().IsRunning {
				return errors.New("job queue is not running")
			}
			return nil
		}))
	if p, ok := a.locker.(lock.Pinger); ok {
		c.Add("lock", health.CheckFunc(p.Ping))
	}
	c.AddOptional("webhooks", health.CheckFunc(func(context.Context) error {
		if open := a.dispatcher.Stats().BreakersOpen; open > 0 {
			return errors.Newf("%d webhook destinations unreachable", open)
		}
		return nil
	}))
	return c
}

// Handler returns the API router.
func (a *App) Handler() http.Handler { return a.router }

// Queue returns the job queue.
func (a *App) Queue() *job.Queue { return a.queue }

// Store returns the instance store.
func (a *App) Store() *store.SQLite { return a.store }

// Manager returns the provider manager.
func (a *App) Manager() *provision.Manager { return a.manager }

// Start launches the queue workers and the maintenance loop.
func (a *App) Start() {
	a.queue.Start()
	a.maintenance.start()
}

// Run serves the API and metrics until ctx is done, then shuts down.
func (a *App) Run(ctx context.Context) error {
	a.Start()

	apiServer := &http.Server{
		Addr:         ":" + a.cfg.Service.Port,
		Handler:      a.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	servers := []*http.Server{apiServer}

	if a.metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", a.metricsHandler)
		servers = append(servers, &http.Server{
			Addr:         ":" + a.cfg.Service.MetricsPort,
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		})
	}

	if a.cfg.Service.APIKey != "" {
		a.logger.Info("API authentication enabled")
	} else {
		a.logger.Warn("API authentication disabled - no API key configured")
	}

	serverErr := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			a.logger.Infow("Starting server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- errors.Wrapf(err, "serve %s", srv.Addr)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Received shutdown signal")
	case runErr = <-serverErr:
		a.logger.Errorw("Server failed", "error", runErr)
	}

	// Phase 1: fail readiness so load balancers stop routing here.
	a.health.SetShuttingDown()
	if runErr == nil && a.cfg.Service.ShutdownDrainWait > 0 {
		a.logger.Infow("Waiting for traffic to drain", "duration", a.cfg.Service.ShutdownDrainWait)
		time.Sleep(a.cfg.Service.ShutdownDrainWait)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	// Phase 2: stop accepting requests, finish in-flight ones.
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Errorw("Server shutdown error", "addr", srv.Addr, "error", err)
		}
	}

	// Phase 3: drain jobs and webhooks.
	if err := a.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Service.ShutdownTimeout > 0 {
		return a.cfg.Service.ShutdownTimeout
	}
	return 30 * time.Second
}

// Shutdown stops background work, waits for running jobs and queued
// webhooks until ctx is done, then releases every resource.
func (a *App) Shutdown(ctx context.Context) error {
	a.health.SetShuttingDown()
	a.maintenance.stop()

	var errs error
	if err := a.queue.Stop(ctx); err != nil {
		a.logger.Warnw("Job queue shutdown error", "error", err)
		errs = errors.CombineErrors(errs, err)
	}
	a.manager.Shutdown()

	if err := a.dispatcher.Close(ctx); err != nil {
		a.logger.Warnw("Dispatcher shutdown error", "error", err)
		errs = errors.CombineErrors(errs, err)
	}
	stats := a.dispatcher.Stats()
	a.logger.Infow("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	a.closeResources()
	a.logger.Info("Shutdown complete")
	return errs
}

func (a *App) closeResources() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warnw("Provider close error", "error", err)
		}
	}
	a.closers = nil
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warnw("Redis close error", "error", err)
		}
		a.redis = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warnw("Store close error", "error", err)
		}
		a.store = nil
	}
}
