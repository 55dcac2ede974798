// Package core provides the HTTP chassis for the notification ingestion API.
// It creates a chi router, enforces cross-cutting concerns (panic recovery,
// request ids, logging, timeouts) and serves health checks before requests
// reach the handlers in internal/api/handlers.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mailnotify/internal/config"
)

// Server encapsulates the HTTP dependencies of the ingest API so they can be
// injected in tests.
type Server struct {
	Config       *config.Config
	Logger       *slog.Logger
	Validator    *Validator
	HealthProbes []HealthProbe

	// MetricsHandler, when set, is mounted at GET /metrics.
	MetricsHandler http.Handler

	// RouteRegistrars mount domain handlers. They are populated by main.go to
	// keep core free of handler imports.
	RouteRegistrars []func(r chi.Router)

	// ShutdownHooks run in order during Shutdown (publisher close, pool close).
	ShutdownHooks []func(ctx context.Context) error

	router *chi.Mux
}

// NewServer validates the critical dependencies and prepares the router. The
// caller mounts routes with MountRoutes after adding registrars.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown runs every shutdown hook, continuing past failures, and returns
// the joined errors.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var errs []error
	for _, hook := range s.ShutdownHooks {
		if err := hook(ctx); err != nil {
			s.Logger.Error("shutdown hook failed", "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("server shutdown: %w", errors.Join(errs...))
	}

	s.Logger.Info("server shutdown complete")
	return nil
}

// maxBodyBytes returns the configured request body limit.
func (s *Server) maxBodyBytes() int64 {
	if s.Config != nil && s.Config.Server.MaxBodyBytes > 0 {
		return s.Config.Server.MaxBodyBytes
	}
	return maxRequestBodySize
}
