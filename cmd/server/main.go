package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/carwash-dispatch/internal/availability"
	"github.com/example/carwash-dispatch/internal/config"
	"github.com/example/carwash-dispatch/internal/dispatch"
	"github.com/example/carwash-dispatch/internal/eta"
	"github.com/example/carwash-dispatch/internal/events"
	httpapi "github.com/example/carwash-dispatch/internal/http"
	"github.com/example/carwash-dispatch/internal/identity"
	"github.com/example/carwash-dispatch/internal/ingest"
	"github.com/example/carwash-dispatch/internal/logging"
	"github.com/example/carwash-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	checks := map[string]httpapi.ReadyCheck{}
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		closers = append(closers, ps.Close)
		checks["postgres"] = ps.Ping
		if cfg.RunMigrations {
			if err := migrate(ctx, ps, cfg.MigrationsPath, logger); err != nil {
				return err
			}
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var locations storage.LocationStore = store
	if cfg.RedisAddr != "" {
		rl := availability.NewRedisLocations(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisLocationKey)
		closers = append(closers, rl.Close)
		checks["redis"] = rl.Ping
		locations = rl
	}

	hub := events.NewHub(logger)
	publishers := events.Fanout{hub}
	var locationProducer httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		closers = append(closers, kp.Close)
		publishers = append(publishers, kp)

		lp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		closers = append(closers, lp.Close)
		locationProducer = lp
	}

	dir := identity.NewDirectory(store)
	engine := dispatch.NewEngine(dir, availability.NewTracker(store, locations), store, publishers, logger)
	var router eta.Router
	if cfg.OSRMURL != "" {
		router = eta.NewOSRMClient(cfg.OSRMURL)
	}
	engine.ETA = eta.NewEstimator(router, cfg.ETACacheTTL, cfg.ETASpeedMps)
	api := httpapi.NewServer(httpapi.Deps{
		Engine:    engine,
		Directory: dir,
		Hub:       hub,
		Locations: locationProducer,
		Checks:    checks,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("carwash-dispatch listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func migrate(ctx context.Context, ps *storage.PostgresStore, path string, logger *slog.Logger) error {
	ddl, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := ps.Migrate(ctx, string(ddl)); err != nil {
		return err
	}
	logger.Info("migration applied", "path", path)
	return nil
}
