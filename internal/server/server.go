// Package server exposes detection sessions over HTTP.
//
// Clients open a WebSocket on /v1/sessions, send a start command as a text
// message and then stream PCM16 LE mono audio as binary messages. Pipeline
// events come back as JSON text messages. Plain HTTP endpoints serve label
// snapshots, the live session list, health probes and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/kizuki/internal/app"
	"github.com/MrWong99/kizuki/internal/health"
	"github.com/MrWong99/kizuki/internal/labelstore"
	"github.com/MrWong99/kizuki/internal/observe"
)

const (
	// DefaultEventBuffer is the per-connection event queue length.
	DefaultEventBuffer = 256

	// DefaultReadLimit bounds a single WebSocket message.
	DefaultReadLimit = 1 << 20

	shutdownTimeout = 10 * time.Second
)

// Server serves the kizuki HTTP and WebSocket API.
type Server struct {
	app     *app.App
	metrics *observe.Metrics
	log     *slog.Logger

	checkers    []health.Checker
	metricsH    http.Handler
	eventBuffer int
	readLimit   int64

	handler http.Handler
}

// Option configures a [Server].
type Option func(*Server)

// WithCheckers adds readiness checks besides the label store.
func WithCheckers(c ...health.Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, c...) }
}

// WithMetrics sets the metrics recorded by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Default: the Prometheus
// default gatherer.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsH = h }
}

// WithEventBuffer sets the per-connection event queue length.
func WithEventBuffer(n int) Option {
	return func(s *Server) { s.eventBuffer = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a Server for a.
func New(a *app.App, opts ...Option) *Server {
	s := &Server{
		app:         a,
		log:         slog.Default(),
		eventBuffer: DefaultEventBuffer,
		readLimit:   DefaultReadLimit,
		metricsH:    promhttp.Handler(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	checkers := []health.Checker{health.LabelStore(a.Labels())}
	if p := a.Pinger(); p != nil {
		checkers = append(checkers, health.Ping("database", p))
	}
	checkers = append(checkers, s.checkers...)

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", s.metricsH)
	mux.HandleFunc("GET /v1/modes", s.handleModes)
	mux.HandleFunc("GET /v1/modes/{mode}/labels", s.handleLabels)
	mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSession)

	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run listens on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.app.Config().Server
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	cfg := s.app.Config().Server
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "addr", ln.Addr().String(), "tls", cfg.TLS != nil)
		if cfg.TLS != nil {
			errc <- srv.ServeTLS(ln, cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			errc <- srv.Serve(ln)
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ── handlers ──

func (s *Server) handleModes(w http.ResponseWriter, r *http.Request) {
	modes, err := s.app.Labels().Modes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"modes": modes})
}

func (s *Server) handleLabels(w http.ResponseWriter, r *http.Request) {
	set, err := s.app.Labels().Load(r.Context(), r.PathValue("mode"))
	switch {
	case errors.Is(err, labelstore.ErrModeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, set)
	}
}

// handleSessions upgrades WebSocket requests and lists live sessions
// otherwise.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if isUpgrade(r) {
		s.serveWS(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.app.Sessions().List()})
}

type sessionView struct {
	app.SessionInfo
	Running bool `json:"running"`
	Status  any  `json:"status"`
	Hint    any  `json:"hint"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.app.Sessions().Get(id)
	info, found := s.app.Sessions().Info(id)
	if !ok || !found {
		writeError(w, http.StatusNotFound, app.ErrSessionNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessionView{
		SessionInfo: info,
		Running:     sess.Running(),
		Status:      sess.Status(),
		Hint:        sess.Hint(),
	})
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
