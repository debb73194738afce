// Package server assembles the store, pipeline and HTTP API into one process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/minerstats/pkg/config"
	"github.com/nicktill/minerstats/pkg/delivery"
	"github.com/nicktill/minerstats/pkg/export"
	"github.com/nicktill/minerstats/pkg/live"
	"github.com/nicktill/minerstats/pkg/logging"
	"github.com/nicktill/minerstats/pkg/monitor"
	"github.com/nicktill/minerstats/pkg/pipeline"
	"github.com/nicktill/minerstats/pkg/query"
	"github.com/nicktill/minerstats/pkg/retention"
	"github.com/nicktill/minerstats/pkg/storage"
	badgerstore "github.com/nicktill/minerstats/pkg/storage/badger"
	"github.com/nicktill/minerstats/pkg/storage/memory"
	pgstore "github.com/nicktill/minerstats/pkg/storage/postgres"
	redisstore "github.com/nicktill/minerstats/pkg/storage/redis"
	"github.com/nicktill/minerstats/pkg/tracing"
	"github.com/nicktill/minerstats/pkg/trigger"
)

// App is a fully wired minerstats server
type App struct {
	cfg     *config.Config
	logger  zerolog.Logger
	version string
	started time.Time

	store     storage.Store
	triggered *trigger.Store
	sweeper   *retention.Sweeper
	pipeline  *pipeline.Pipeline
	hub       *live.Hub
	usage     *monitor.StorageMonitor

	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	router         *mux.Router
}

// New opens the configured store and wires every component on top of it.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, version string) (*App, error) {
	registry, err := cfg.BuildRegistry()
	if err != nil {
		return nil, err
	}

	tracingCfg := cfg.Tracing
	tracingCfg.Version = version
	tp, tracer, err := tracing.InitTracer(ctx, tracingCfg)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	store, err := OpenStore(ctx, cfg.Storage, logger)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	a := &App{
		cfg:            cfg,
		logger:         logger,
		version:        version,
		started:        time.Now(),
		store:          store,
		tracerProvider: tp,
		tracer:         tracer,
	}

	router := trigger.NewRouter()
	a.sweeper = retention.New(store,
		retention.WithLogger(logger),
		retention.WithMonitor(&monitor.SweepMonitor{}),
	)
	if err := a.sweeper.Register(router); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.triggered = trigger.Wrap(store, router, logger)

	a.hub = live.NewHub(logger)
	a.pipeline = pipeline.New(a.triggered,
		pipeline.WithLogger(logger),
		pipeline.WithRegistry(registry),
		pipeline.WithTracer(tracer),
		pipeline.WithLatestSink(a.hub),
		pipeline.WithConcurrency(cfg.Pipeline.Concurrency),
	)

	if cfg.Storage.Backend == config.BackendBadger && !cfg.Storage.Badger.InMemory {
		maxBytes := cfg.Storage.Badger.MaxStorageGB * 1024 * 1024 * 1024
		a.usage = monitor.NewStorageMonitor(cfg.Storage.Badger.Path, maxBytes)
	}

	a.router = mux.NewRouter()
	SetupRoutes(a.router, Routes{
		Delivery: delivery.NewHandler(a.pipeline, logger),
		Query:    query.NewHandler(store),
		Export:   export.NewHandler(store, a.triggered, logger),
		Metrics:  a.handleMetrics,
		Hub:      a.hub,
		Health:   a.handleHealth,
		Usage:    handleStorageUsage(a.usage),
	}, cfg.HTTP.CORSOrigin, tracer)

	return a, nil
}

// OpenStore builds the configured backend. Shared backends connect on first
// use so the server can start while they are still coming up.
func OpenStore(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (storage.Store, error) {
	logger = logging.Component(logger, "storage")

	switch cfg.Backend {
	case config.BackendMemory:
		logger.Info().Msg("using in-memory store")
		return memory.New(), nil

	case config.BackendBadger:
		if !cfg.Badger.InMemory {
			if err := os.MkdirAll(cfg.Badger.Path, 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		store, err := badgerstore.New(badgerstore.Config{
			Path:        cfg.Badger.Path,
			InMemory:    cfg.Badger.InMemory,
			MaxMemoryMB: cfg.Badger.MaxMemoryMB,
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.Badger.Path).Bool("in_memory", cfg.Badger.InMemory).Msg("badger store opened")
		return store, nil

	case config.BackendRedis:
		rc := redisstore.Config{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}
		logger.Info().Str("url", cfg.Redis.URL).Msg("redis store configured")
		return storage.NewLazy(func(ctx context.Context) (storage.Store, error) {
			return redisstore.New(ctx, rc)
		}), nil

	case config.BackendPostgres:
		pc := pgstore.Config{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		}
		logger.Info().Msg("postgres store configured")
		return storage.NewLazy(func(ctx context.Context) (storage.Store, error) {
			return pgstore.New(ctx, pc)
		}), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// Handler returns the HTTP handler of the API
func (a *App) Handler() http.Handler {
	return a.router
}

// Pipeline returns the update pipeline
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// Store returns the store with retention triggers attached
func (a *App) Store() storage.Store {
	return a.triggered
}

// Run serves HTTP and the background tasks until ctx is cancelled, then
// shuts the listener down gracefully.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      a.router,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.hub.Run(gctx)
		return nil
	})

	if bs, ok := a.store.(*badgerstore.Storage); ok && !a.cfg.Storage.Badger.InMemory {
		g.Go(func() error {
			RunBadgerGC(gctx, bs, config.BadgerGCInterval, logging.Component(a.logger, "badger-gc"))
			return nil
		})
	}

	g.Go(func() error {
		a.logger.Info().
			Str("addr", a.cfg.HTTP.Addr).
			Str("backend", a.cfg.Storage.Backend).
			Str("version", a.version).
			Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("server shutdown")
		}
		return nil
	})

	return g.Wait()
}

// Close releases the store and flushes pending spans
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	return errors.Join(errs...)
}
