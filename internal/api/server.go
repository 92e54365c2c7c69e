// Package api exposes the execution store, runner, and push layer over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/wrenware/flowline/internal/push"
	"github.com/wrenware/flowline/internal/runtime"
	"github.com/wrenware/flowline/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// ScopeResolver maps a request to the workflow IDs its caller may see.
// A nil slice means unrestricted. The default resolver permits everything;
// an auth layer in front of this core supplies a real one.
type ScopeResolver func(r *http.Request) []string

// AllWorkflows is the default scope resolver.
func AllWorkflows(r *http.Request) []string { return nil }

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	store    store.Store
	runner   *runtime.Runner
	registry *push.Registry
	sse      *push.SSETransport
	scope    ScopeResolver
	logger   *slog.Logger
	addr     string
}

// NewServer creates and configures a new HTTP server. A nil scope resolver
// defaults to AllWorkflows.
func NewServer(addr string, s store.Store, runner *runtime.Runner, registry *push.Registry, sse *push.SSETransport, scope ScopeResolver, logger *slog.Logger) *Server {
	if scope == nil {
		scope = AllWorkflows
	}
	srv := &Server{
		router:   chi.NewRouter(),
		store:    s,
		runner:   runner,
		registry: registry,
		sse:      sse,
		scope:    scope,
		logger:   logger,
		addr:     addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())
	s.router.Get("/v1/push", s.sse.ServeHTTP)

	s.router.Route("/v1/executions", func(r chi.Router) {
		r.Get("/", s.handleListExecutions)
		r.Post("/", s.handleLaunchExecution)
		r.Get("/stats", s.handleGetStats)
		r.Get("/{id}", s.handleGetExecution)
		r.Delete("/{id}", s.handleDeleteExecution)
		r.Post("/{id}/retry", s.handleRetryExecution)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
// Push responses stream indefinitely, so no server-wide write timeout is set.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.runner.Wait()
	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
