// Package ingress serves the write-shedding HTTP surface: N enqueues and M
// cache-aside reads per /api/data call, plus health, readiness, stats and
// cache endpoints (spec §4.1, §6).
package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/basakil/writeshed/internal/broker"
	"github.com/basakil/writeshed/internal/store"
	"github.com/basakil/writeshed/pkg/config"
)

// Server is the ingress HTTP server. Broker and store handles are
// dependency-injected and owned by the caller, not global singletons
// (spec §9's re-architecture guidance).
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	port       int

	broker   broker.Broker
	store    store.DocumentStore
	settings config.Settings
}

// New wires a Server from its collaborators and registers routes.
func New(settings config.Settings, b broker.Broker, d store.DocumentStore, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", settings.AppPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	srv := &Server{
		httpServer: httpServer,
		logger:     logger,
		port:       settings.AppPort,
		broker:     b,
		store:      d,
		settings:   settings,
	}

	srv.setupRoutes(mux)
	return srv
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/readyz", s.readyzHandler)
	mux.HandleFunc("/api/data", s.dataHandler)
	mux.HandleFunc("/api/stats", s.statsHandler)
	mux.HandleFunc("/api/cache/stats", s.cacheStatsHandler)
	mux.HandleFunc("/api/cache/clear", s.cacheClearHandler)
}

// Start starts the HTTP server. Returns http.ErrServerClosed on a clean
// shutdown, which callers should not treat as a failure.
func (s *Server) Start() error {
	s.logger.Info("Starting ingress server", "port", s.port)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down ingress server gracefully")
	return s.httpServer.Shutdown(ctx)
}

// Port returns the server port.
func (s *Server) Port() int {
	return s.port
}
