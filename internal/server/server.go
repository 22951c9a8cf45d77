// Package server wires the broker to its HTTP/WebSocket surface: the
// websocket route participants connect to, a health endpoint, and
// Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowsync-dev/flowsync/internal/broker"
	"github.com/flowsync-dev/flowsync/internal/hub"
	"github.com/flowsync-dev/flowsync/internal/metrics"
	"github.com/flowsync-dev/flowsync/internal/state"
	"github.com/flowsync-dev/flowsync/internal/templates"
)

// Server is the broker's HTTP/WebSocket server.
type Server struct {
	cfg    *Config
	state  *state.State
	broker *broker.Broker

	upgrader websocket.Upgrader
	handler  http.Handler
	logger   *slog.Logger
}

// New creates a Server with the given configuration.
func New(cfg *Config) (*Server, error) {
	cfg = cfg.withDefaults()

	seedName := templates.OrDefault(cfg.Template)
	seed, err := templates.Load(seedName)
	if err != nil {
		return nil, fmt.Errorf("server: load seed template: %w", err)
	}

	m := metrics.New(metrics.WithRegistry(cfg.Registry))
	st := state.New(seed)
	h := hub.New(cfg.WriteTimeout, cfg.Logger, m)
	b := broker.New(st, h, broker.Config{
		ValidateDocument: WellFormedXML,
		DefaultSeed:      seed,
		Logger:           cfg.Logger,
		Metrics:          m,
	})

	s := &Server{
		cfg:    cfg,
		state:  st,
		broker: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		logger: cfg.Logger.With("component", "server"),
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the HTTP handler, useful for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.metricsHandler())

	return r
}

func (s *Server) metricsHandler() http.Handler {
	if gatherer, ok := s.cfg.Registry.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// handleWebSocket upgrades the connection and hands it to the broker. The
// optional ?template= parameter picks the seed document when this
// connection is the first into an empty room; unknown names fall back to
// the default.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	seed := ""
	if name := r.URL.Query().Get("template"); name != "" {
		doc, err := templates.Load(templates.OrDefault(name))
		if err == nil {
			seed = doc
		}
	}

	s.broker.ServeConnSeeded(conn, seed)
}

// handleHealth reports liveness plus a summary of the room.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":        "running",
		"participants":  s.state.ParticipantCount(),
		"locks":         s.state.LockCount(),
		"documentBytes": s.state.DocumentSize(),
	})
}

// ListenAndServe runs the server until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.handler,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "address", s.cfg.Address)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}
