// Package main is the entry point for the taskqueue controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskqueue/internal/config"
	"taskqueue/internal/controller"
	"taskqueue/internal/engine"
	"taskqueue/internal/logger"
	"taskqueue/internal/notify"
	"taskqueue/internal/observability"
	"taskqueue/internal/store"
	"taskqueue/internal/store/memory"
	"taskqueue/internal/store/postgres"
)

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file (default: taskqueue.yaml in current directory)")
	flag.Parse()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	if err := cfg.ValidateStore(); err != nil {
		fatal(log, "invalid store configuration", err)
	}

	ctx := context.Background()

	// Setup Store
	st, err := openStore(ctx, log, cfg, *migrateFlag)
	if err != nil {
		fatal(log, "failed to open store", err)
	}
	defer st.Close()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "taskqueue-controller", cfg.OTELEndpoint)
	if err != nil {
		fatal(log, "failed to init tracing", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics must be installed before the engine registers its instruments.
	metricsHandler, shutdownMetrics, err := observability.InitMetrics(ctx, "taskqueue-controller")
	if err != nil {
		fatal(log, "failed to init metrics", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	bus := notify.NewBus()
	eng, err := engine.New(st, bus, log)
	if err != nil {
		fatal(log, "failed to create engine", err)
	}

	// Start Server
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(controller.Options{
		Addr:           addr,
		RateLimit:      cfg.RateLimit,
		RateLimitBurst: cfg.RateLimitBurst,
		InternalSecret: cfg.InternalSecret,
		Metrics:        metricsHandler,
		Logger:         log,
	}, eng, bus)

	go func() {
		log.Info("controller starting", "addr", addr, "store", cfg.Store)
		if err := srv.Run(ctx); err != nil {
			log.Error("server stopped", "error", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down controller")
	// Closing the bus ends every open change feed so Shutdown is not held up by them.
	bus.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		return
	}
	log.Info("server exited properly")
}

func openStore(ctx context.Context, log *slog.Logger, cfg *config.Config, migrate bool) (store.Store, error) {
	if cfg.Store == config.StoreMemory {
		log.Warn("using in-memory store, state is lost on restart")
		return memory.New(), nil
	}

	// Connect to Postgres (the "Store")
	pg, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	// Run migrations if requested
	if migrate {
		log.Info("running database migrations")
		if err := postgres.Migrate(pg.DB()); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		log.Info("migrations completed successfully")
	}
	return pg, nil
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
