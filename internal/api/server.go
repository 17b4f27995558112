// Package api serves the diff proxy's admin HTTP surface: lifecycle
// control over the comparison router, status/summary inspection,
// Prometheus metrics, and a health probe, the way the teacher's api
// package serves tenant CRUD and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbdiffproxy/dbdiffproxy/internal/config"
	"github.com/dbdiffproxy/dbdiffproxy/internal/diff"
	"github.com/dbdiffproxy/dbdiffproxy/internal/metrics"
)

// Server is the admin REST API and metrics server for the diff proxy.
type Server struct {
	router     *diff.Router
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
	listenCfg  config.ListenConfig
}

// NewServer creates a new admin API server.
func NewServer(r *diff.Router, m *metrics.Collector, lc config.ListenConfig) *Server {
	return &Server{
		router:    r,
		metrics:   m,
		startTime: time.Now(),
		listenCfg: lc,
	}
}

// Start starts the HTTP admin server.
func (s *Server) Start() error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/diff/start", s.diffStartHandler).Methods("POST")
	r.HandleFunc("/diff/stop", s.diffStopHandler).Methods("POST")
	r.HandleFunc("/diff/status", s.diffStatusHandler).Methods("GET")
	r.HandleFunc("/diff/summary", s.diffSummaryHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", s.listenCfg.APIBind, s.listenCfg.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("admin API listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin API server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the admin API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"listen": map[string]int{
			"mysql_port": s.listenCfg.MySQLPort,
			"api_port":   s.listenCfg.APIPort,
		},
	})
}

func (s *Server) diffStartHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.router.Start(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	slog.Info("diff comparison started via admin API")
	state, sync := s.router.Status()
	writeJSON(w, http.StatusOK, map[string]string{"state": state.String(), "sync_state": sync.String()})
}

func (s *Server) diffStopHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.router.Stop(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	slog.Info("diff comparison stopped via admin API")
	state, sync := s.router.Status()
	writeJSON(w, http.StatusOK, map[string]string{"state": state.String(), "sync_state": sync.String()})
}

func (s *Server) diffStatusHandler(w http.ResponseWriter, r *http.Request) {
	state, sync := s.router.Status()
	writeJSON(w, http.StatusOK, map[string]string{"state": state.String(), "sync_state": sync.String()})
}

func (s *Server) diffSummaryHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Summary())
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
