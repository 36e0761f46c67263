// Package server exposes the controller's local HTTP API: runtime
// snapshots for the TUI and `aldctl status`, Prometheus metrics, and a
// WebSocket stream of collector updates.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/appconfig"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/monitor"
)

// Server is the HTTP server that serves the REST API and WebSocket
// endpoint.
type Server struct {
	collector *monitor.Collector
	cfg       *appconfig.Config
	logger    zerolog.Logger
	hub       *Hub
	srv       *http.Server
}

// New creates a new Server.
func New(collector *monitor.Collector, cfg *appconfig.Config, logger zerolog.Logger) *Server {
	hub := newHub(collector, logger)
	return &Server{
		collector: collector,
		cfg:       cfg,
		logger:    logger.With().Str("component", "http-server").Logger(),
		hub:       hub,
	}
}

// Start begins serving on the configured listen address. It blocks until
// the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	h := &handlers{collector: s.collector, cfg: s.cfg}

	mux := http.NewServeMux()

	// API routes.
	mux.HandleFunc("GET /api/v1/status", h.status)
	mux.HandleFunc("GET /api/v1/process", h.process)
	mux.HandleFunc("GET /api/v1/parameters", h.parameters)
	mux.HandleFunc("GET /api/v1/cycles", h.cycles)
	mux.HandleFunc("GET /api/v1/logs", h.logs)
	mux.HandleFunc("GET /api/v1/config", h.configHandler)
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/api/v1/ws", s.hub.handleWS)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Listen, s.cfg.Server.Port)
	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}

	// Start WebSocket hub.
	go s.hub.start(ctx)

	s.logger.Info().Str("addr", addr).Msg("starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.srv.Close()
	case err := <-errCh:
		return err
	}
}

// StartBackground starts the server in a goroutine (non-blocking).
func (s *Server) StartBackground(ctx context.Context) {
	go func() {
		if err := s.Start(ctx); err != nil {
			s.logger.Err(err).Msg("http server error")
		}
	}()
}
