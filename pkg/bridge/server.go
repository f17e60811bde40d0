// Package bridge serves the browser front-end for chat and live voice:
// a websocket relay at /v1/live, a server-sent-events chat endpoint at
// /v1/chat, Prometheus metrics, and an embedded demo page. It owns no
// conversation state; everything is proxied to the upstream client.
package bridge

import (
	"context"
	_ "embed"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/z04-labs/z04/pkg/bridge/sessions"
)

//go:embed web/index.html
var indexHTML []byte

// Config holds the bridge's runtime settings.
type Config struct {
	ChatModel          string
	LiveModel          string
	Voice              string
	SystemPrompt       string
	MaxSessions        int
	SessionIdleTimeout time.Duration
	AllowOrigin        string
	MetricsEnabled     bool
}

// Server routes bridge traffic. Create it with New.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	tracker  *sessions.Tracker
	upstream Upstream
	mux      *http.ServeMux
}

// New builds a server around the given upstream. A nil logger falls
// back to slog.Default; a nil metrics gets a fresh registry.
func New(cfg Config, logger *slog.Logger, up Upstream, m *Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = NewMetrics("z04")
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		tracker:  sessions.NewTracker(cfg.MaxSessions),
		upstream: up,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/v1/live", s.handleLive)
	s.mux.HandleFunc("/v1/chat", s.handleChat)
	if s.cfg.MetricsEnabled {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}
	s.mux.HandleFunc("/", s.handleIndex)
}

// Handler returns the full middleware chain. Request IDs are assigned
// outermost so every log line and error response can carry one.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = cors(s.cfg.AllowOrigin, h)
	h = recoverPanics(s.logger, h)
	h = accessLog(s.logger, s.metrics, h)
	h = requestID(h)
	return h
}

// Sessions returns the number of live websocket sessions.
func (s *Server) Sessions() int {
	return s.tracker.Count()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

// Shutdown drains live sessions: each gets a warning frame, then time
// to finish, then a hard cancel when ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if n := s.tracker.Count(); n > 0 {
		s.logger.Info("draining live sessions", "count", n)
		s.tracker.WarnAll("shutting_down", "bridge is shutting down")
	}
	if s.tracker.Wait(ctx) {
		return nil
	}

	s.logger.Warn("drain deadline passed, canceling live sessions",
		"remaining", s.tracker.Count())
	s.tracker.CancelAll()

	forceCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if s.tracker.Wait(forceCtx) {
		return nil
	}
	return errors.New("bridge: sessions still running after cancel")
}
