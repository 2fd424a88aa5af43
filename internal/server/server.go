// ============================================================================
// Beaver-Batch Admin Server - HTTP control surface for a running job
// ============================================================================
//
// Package: internal/server
// File: server.go
//
// Routes:
//   GET  /healthz   liveness
//   GET  /stats     JobStats as JSON
//   POST /pause     hold units that have not started
//   POST /resume    release held units
//   PUT  /threads   {"count": n} resize the worker pool
//   POST /stop      halt the job (exit code 2)
//   GET  /metrics   Prometheus exposition
//
// Every command is forwarded verbatim to the job Controller. Commands that
// arrive before dispatch starts or after the job ends answer 409.
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/beaver-batch/internal/logging"
	"github.com/ChuLiYu/beaver-batch/internal/manager"
	"github.com/ChuLiYu/beaver-batch/internal/metrics"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// Controller is the job surface the server drives (a *manager.Manager)
type Controller interface {
	Stats() types.JobStats
	Pause() error
	Resume() error
	SetThreadCount(n int) error
	Stop()
}

// Config configures a Server
type Config struct {
	Addr     string
	Gatherer prometheus.Gatherer // nil disables /metrics
	Logger   *slog.Logger
}

// ThreadsRequest is the PUT /threads body
type ThreadsRequest struct {
	Count int `json:"count"`
}

// StatusResponse answers every command
type StatusResponse struct {
	Status string `json:"status"`
	Paused bool   `json:"paused"`
	Count  int    `json:"thread_count,omitempty"`
}

// Server serves the admin routes
type Server struct {
	ctrl Controller
	cfg  Config
	log  *slog.Logger

	router http.Handler

	mu   sync.Mutex
	srv  *http.Server
	addr string
}

// New builds the router for ctrl
func New(ctrl Controller, cfg Config) *Server {
	s := &Server{
		ctrl: ctrl,
		cfg:  cfg,
		log:  logging.OrDefault(cfg.Logger),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/healthz", s.healthz)
	r.Get("/stats", s.stats)
	r.Post("/pause", s.pause)
	r.Post("/resume", s.resume)
	r.Put("/threads", s.threads)
	r.Post("/stop", s.stop)
	if s.cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.cfg.Gatherer))
	}
	return r
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on cfg.Addr and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		s.log.Info("Admin server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Admin server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start has returned
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Stats())
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Pause(); err != nil {
		s.commandError(w, "pause", err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "paused", Paused: true})
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Resume(); err != nil {
		s.commandError(w, "resume", err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "resumed"})
}

func (s *Server) threads(w http.ResponseWriter, r *http.Request) {
	var req ThreadsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Count < 1 {
		writeError(w, http.StatusBadRequest, "field 'count' must be at least 1")
		return
	}
	if err := s.ctrl.SetThreadCount(req.Count); err != nil {
		s.commandError(w, "threads", err)
		return
	}
	st := s.ctrl.Stats()
	writeJSON(w, http.StatusOK, StatusResponse{Status: "resized", Paused: st.Paused, Count: req.Count})
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Stop()
	writeJSON(w, http.StatusAccepted, StatusResponse{Status: "stopping"})
}

func (s *Server) commandError(w http.ResponseWriter, command string, err error) {
	if errors.Is(err, manager.ErrNotRunning) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.log.Error("Admin command failed", "command", command, "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// ============================================================================
// Middleware
// ============================================================================

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// requestLogger logs every admin request at debug level
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			log.Debug("Admin request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds())
		})
	}
}
