// Package core provides the HTTP chassis for the reconciliation service.
// It builds the chi router and applies the cross-cutting concerns (panic
// recovery, request ids, logging, metrics, authentication) before requests
// reach the handlers in internal/api/handlers.
package core

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"payrecon/internal/config"
)

// Server encapsulates the HTTP dependencies so tests can inject fakes.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	Authenticator Authenticator
	AdminVerifier AdminVerifier

	// HealthProbes are run by GET /health.
	HealthProbes []HealthProbe

	// MetricsHandler is mounted at GET /metrics when non-nil.
	MetricsHandler http.Handler

	// V1RouteRegistrars mount domain handlers under /v1. Populated by main
	// so core does not import the handler packages.
	V1RouteRegistrars []func(r chi.Router)

	router *chi.Mux
}

// NewServer creates a Server with an empty router. Callers set the optional
// collaborators and then call MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}
