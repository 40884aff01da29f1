// Package gateway exposes the session runtime over HTTP. The surface is a
// stdlib ServeMux with method-qualified patterns; metrics and health live
// next to the session routes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guidepost-ai/guidepost/internal/controller"
	"github.com/guidepost-ai/guidepost/internal/observability"
	"github.com/guidepost-ai/guidepost/internal/store"
)

// Config configures the HTTP server.
type Config struct {
	// Addr is the listen address, e.g. ":8800".
	Addr string

	// Moderator screens customer messages when a client requests
	// moderation=auto. Nil disables auto-moderation.
	Moderator Moderator

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Server serves the REST surface over one controller.
type Server struct {
	ctrl      *controller.Controller
	moderator Moderator
	metrics   *observability.Metrics
	logger    *slog.Logger
	addr      string

	httpServer *http.Server
	listener   net.Listener
}

// New builds a server. Start must be called before it accepts traffic.
func New(ctrl *controller.Controller, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8800"
	}
	return &Server{
		ctrl:      ctrl,
		moderator: cfg.Moderator,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		addr:      cfg.Addr,
	}
}

// Handler returns the full route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /sessions", s.instrument("/sessions", s.handleCreateSession))
	mux.HandleFunc("GET /sessions", s.instrument("/sessions", s.handleListSessions))
	mux.HandleFunc("DELETE /sessions", s.instrument("/sessions", s.handleDeleteSessions))
	mux.HandleFunc("GET /sessions/{id}", s.instrument("/sessions/{id}", s.handleReadSession))
	mux.HandleFunc("PATCH /sessions/{id}", s.instrument("/sessions/{id}", s.handleUpdateSession))
	mux.HandleFunc("DELETE /sessions/{id}", s.instrument("/sessions/{id}", s.handleDeleteSession))

	mux.HandleFunc("POST /sessions/{id}/events", s.instrument("/sessions/{id}/events", s.handlePostEvent))
	mux.HandleFunc("GET /sessions/{id}/events", s.instrument("/sessions/{id}/events", s.handleListEvents))
	mux.HandleFunc("DELETE /sessions/{id}/events", s.instrument("/sessions/{id}/events", s.handleDeleteEvents))

	mux.HandleFunc("GET /sessions/{id}/interactions/{correlation_id}",
		s.instrument("/sessions/{id}/interactions/{correlation_id}", s.handleReadInteraction))

	return mux
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", s.addr)
	return nil
}

// Shutdown drains in-flight requests, bounded by the context.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	shutdownCtx := ctx
	var cancel context.CancelFunc
	if shutdownCtx == nil {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.listener = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// statusRecorder captures the response code for the request metric.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps a handler with request metrics, labelled by the route
// pattern rather than the concrete path.
func (s *Server) instrument(pattern string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, pattern, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
	}
}

// writeJSON writes v with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, store.ErrAgentNotFound),
		errors.Is(err, store.ErrCustomerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errBadRequest), errors.Is(err, controller.ErrInvalidInput):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// errBadRequest marks client errors for writeError.
var errBadRequest = errors.New("bad request")

func badRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errBadRequest}, args...)...)
}
