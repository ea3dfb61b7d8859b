// Package httpserver assembles the router and owns the HTTP listener.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/apelier/backend/internal/config"
	"github.com/PortNumber53/apelier/backend/internal/handlers"
	"github.com/PortNumber53/apelier/backend/internal/metrics"
	requesttracking "github.com/PortNumber53/apelier/backend/internal/middleware"
)

// RouteRegistrar mounts a handler group on the router.
type RouteRegistrar interface {
	RegisterRoutes(router chi.Router)
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	log        logrus.FieldLogger
}

// New constructs an HTTP server. db backs the health check; each registrar
// contributes its API routes.
func New(cfg config.Config, db handlers.Pinger, m *metrics.Metrics, logger logrus.FieldLogger, routes ...RouteRegistrar) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "http")

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(requesttracking.NewRequestTracker(m, logger).Middleware())

	router.Get("/healthz", handlers.Health(db))
	router.Method(http.MethodGet, "/metrics", m.Handler())

	for _, r := range routes {
		if r != nil {
			r.RegisterRoutes(router)
		}
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, log: logger}
}

// Start begins serving HTTP traffic. It blocks until the server stops.
func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("http server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
