// Package main is the entry point for the taskqueue worker.
// The worker claims jobs from the controller, runs them and reports back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskqueue/internal/config"
	"taskqueue/internal/logger"
	"taskqueue/internal/observability"
	"taskqueue/internal/worker"
	"taskqueue/internal/worker/runtime"

	"github.com/google/uuid"
)

const metricsAddr = ":6162"

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file (default: taskqueue.yaml in current directory)")
	workerID := flag.String("id", "", "Worker ID reported on claims (default: random)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "taskqueue-worker", cfg.OTELEndpoint)
	if err != nil {
		fatal(log, "failed to init tracing", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// Select runtime based on configuration
	var rt runtime.Runtime
	switch cfg.Runtime {
	case config.RuntimeDocker:
		dockerRT, err := runtime.NewDockerRuntime()
		if err != nil {
			fatal(log, "failed to create docker runtime", err)
		}
		rt = dockerRT
		log.Info("using docker runtime")
	default:
		execRT := runtime.NewExecRuntime(cfg.RuntimeWorkDir)
		rt = execRT
		log.Info("using exec runtime", "workdir", execRT.WorkDir)
	}

	id := *workerID
	if id == "" {
		id = "worker-" + uuid.NewString()
	}

	agent := worker.New(worker.NewClient(cfg.ControllerURL, cfg.InternalSecret), rt, worker.AgentConfig{
		ID:                id,
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      cfg.WorkerPollInterval,
		MaxBackoff:        cfg.WorkerMaxBackoff,
		LeaseDuration:     cfg.WorkerLeaseDuration,
		HeartbeatInterval: cfg.WorkerHeartbeatInterval,
		JobTimeout:        cfg.WorkerJobTimeout,
	}, log)

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics(ctx, "taskqueue-worker")
	if err != nil {
		fatal(log, "failed to init metrics", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	// Start a dedicated metrics server
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("worker metrics listening", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()

	log.Info("worker started", "worker_id", id, "controller", cfg.ControllerURL, "concurrency", cfg.WorkerConcurrency)
	go agent.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker, draining running jobs")
	cancel()

	<-agent.Done()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	metricsSrv.Shutdown(shutdownCtx)
	log.Info("worker exited properly")
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
