// Package api exposes the worker's session/execute/file/status operations
// over HTTP/JSON. The coordinator's routing surface is in package
// coordinator.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/sandboxd/internal/config"
	"github.com/ocx/sandboxd/internal/execsvc"
	"github.com/ocx/sandboxd/internal/fileops"
	"github.com/ocx/sandboxd/internal/metrics"
	"github.com/ocx/sandboxd/internal/middleware"
	"github.com/ocx/sandboxd/internal/pool"
	"github.com/ocx/sandboxd/internal/session"
)

// WorkerServer wires the session manager, execution service, and file
// operations service into a gorilla/mux router for the worker's HTTP API.
type WorkerServer struct {
	cfg      *config.Config
	pool     *pool.Pool
	sessions *session.Manager
	exec     *execsvc.Service
	files    *fileops.Service
	metrics  *metrics.Metrics
	limiter  *middleware.RateLimiter
}

// NewWorkerServer builds the worker's HTTP server.
func NewWorkerServer(cfg *config.Config, p *pool.Pool, sessions *session.Manager, exec *execsvc.Service, files *fileops.Service, m *metrics.Metrics) *WorkerServer {
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{MaxCallsPerMinute: 120, BurstSize: 200})
	return &WorkerServer{cfg: cfg, pool: p, sessions: sessions, exec: exec, files: files, metrics: m, limiter: limiter}
}

// Router builds the mux.Router exposing every worker operation spec.md §6
// lists, plus /metrics for Prometheus scraping.
func (s *WorkerServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(corsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.limiter.Middleware)
	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", s.handleGetSessionByThread).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{session_id}/status", s.handleSessionStatus).Methods(http.MethodGet)
	api.HandleFunc("/execute", s.handleExecute).Methods(http.MethodPost)
	api.HandleFunc("/files/upload", s.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/files/download", s.handleDownload).Methods(http.MethodPost)
	api.HandleFunc("/files", s.handleListFiles).Methods(http.MethodGet)
	api.HandleFunc("/cleanup", s.handleCleanup).Methods(http.MethodPost)

	return r
}

// Start blocks serving the worker API on cfg.Host:cfg.Port.
func (s *WorkerServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 70 * time.Second, // headroom over the 60s execute/upload SLA
	}
	slog.Info("worker: listening", "addr", addr, "worker_id", s.cfg.WorkerID)
	return srv.ListenAndServe()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
