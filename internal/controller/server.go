// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"taskqueue/internal/controller/handlers"
	"taskqueue/internal/controller/middleware"
	"taskqueue/internal/store"
)

// Options carries the server settings that do not come from the engine.
type Options struct {
	Addr string

	// Per-client budget for mutating routes; zero disables limiting.
	RateLimit      float64
	RateLimitBurst int

	// Bearer token required on /internal routes when non-empty.
	InternalSecret string

	// Metrics serves GET /metrics when set.
	Metrics http.Handler

	Logger *slog.Logger
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(opts Options, svc handlers.Service, feed handlers.Subscriber) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:        opts.Addr,
			Handler:     NewHandler(opts, svc, feed),
			ReadTimeout: 10 * time.Second,
			// No WriteTimeout: it would cut websocket feeds; the feed sets
			// per-frame write deadlines instead.
			IdleTimeout: 60 * time.Second,
		},
	}
}

// NewHandler builds the routed handler. Every route is served both at the
// root and under /api.
func NewHandler(opts Options, svc handlers.Service, feed handlers.Subscriber) http.Handler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	h := handlers.New(svc, feed, log)
	limit := middleware.NewRateLimiter(
		middleware.WithLimit(opts.RateLimit, opts.RateLimitBurst),
	).Middleware()
	internalMW := middleware.RequireInternalAuth(opts.InternalSecret)

	mux := http.NewServeMux()

	// Archetypes
	for _, kind := range []store.ArchetypeKind{store.KindBuild, store.KindTask} {
		base := "/" + string(kind) + "_archetypes"
		mux.Handle("POST "+base, limit(h.CreateArchetype(kind)))
		mux.HandleFunc("GET "+base, h.ListArchetypes(kind))
		mux.HandleFunc("GET "+base+"/{id}", h.GetArchetype(kind))
		mux.Handle("DELETE "+base+"/{id}", limit(h.DeleteArchetype(kind)))
	}

	// Task instances
	mux.Handle("POST /task_instances", limit(http.HandlerFunc(h.SubmitTaskInstance)))
	mux.HandleFunc("GET /task_instances", h.ListTaskInstances)
	mux.HandleFunc("GET /task_instances/{id}", h.GetTaskInstance)
	mux.Handle("PUT /task_instances/{id}", limit(http.HandlerFunc(h.UpdateTaskInstance)))
	mux.Handle("POST /task_instances/{id}/rerun", limit(http.HandlerFunc(h.RerunTaskInstance)))

	// Change feed
	mux.HandleFunc("GET /ws", h.Feed)

	// Internal endpoints
	// These are called by the Worker Agent.
	mux.Handle("POST /internal/queue/claim", internalMW(http.HandlerFunc(h.InternalClaim)))
	mux.Handle("PUT /internal/task_instances/{id}/heartbeat", internalMW(http.HandlerFunc(h.InternalHeartbeat)))
	mux.Handle("PUT /internal/task_instances/{id}/release", internalMW(http.HandlerFunc(h.InternalRelease)))
	mux.Handle("PUT /internal/task_instances/{id}/progress", internalMW(http.HandlerFunc(h.InternalProgress)))

	// Probes
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	root := http.NewServeMux()
	root.Handle("/api/", http.StripPrefix("/api", mux))
	root.Handle("/", mux)

	return middleware.RequestLogger(log)(root)
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
