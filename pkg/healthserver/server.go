// Package healthserver exposes the relay's operational state over HTTP:
// liveness, agent health, breaker stats, queue depths, and Prometheus
// metrics.
package healthserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentrelay/pkg/broker"
	"agentrelay/pkg/logx"
	"agentrelay/pkg/resilience/circuit"
	"agentrelay/pkg/runtime"
)

// Server serves the operational endpoints. All fields but Liveness are
// optional; absent collaborators return 503 on their endpoint.
type Server struct {
	Version  string
	Liveness *runtime.LivenessRegistry
	Breakers *circuit.Registry
	Queues   broker.QueueStatser

	logger *logx.Logger
}

// New creates a health server.
func New(version string, liveness *runtime.LivenessRegistry) *Server {
	return &Server{
		Version:  version,
		Liveness: liveness,
		logger:   logx.NewLogger("healthserver"),
	}
}

// RegisterRoutes installs all endpoints on the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/agents", s.handleAgents)
	mux.HandleFunc("/breakers", s.handleBreakers)
	mux.HandleFunc("/queues", s.handleQueues)
	mux.Handle("/metrics", promhttp.Handler())
}

// handleHealth implements GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, map[string]string{
		"status":  "ok",
		"version": s.Version,
	})
}

// handleAgents implements GET /agents: the liveness snapshot plus stale ids.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.Liveness == nil {
		http.Error(w, "Liveness registry not available", http.StatusServiceUnavailable)
		return
	}

	s.writeJSON(w, map[string]any{
		"agents": s.Liveness.Snapshot(),
		"stale":  s.Liveness.Stale(),
	})
}

// handleBreakers implements GET /breakers.
func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.Breakers == nil {
		http.Error(w, "Breaker registry not available", http.StatusServiceUnavailable)
		return
	}

	s.writeJSON(w, s.Breakers.Stats())
}

// handleQueues implements GET /queues.
func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.Queues == nil {
		http.Error(w, "Queue stats not available", http.StatusServiceUnavailable)
		return
	}

	s.writeJSON(w, s.Queues.QueueStats())
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// Start runs the server until ctx cancels, then shuts it down gracefully.
// Non-blocking: the listener and the shutdown watcher run in background
// goroutines.
func (s *Server) Start(ctx context.Context, host string, port int) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	addr := fmt.Sprintf("%s:%d", host, port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting health server on %s", addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Health server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down health server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		//nolint:contextcheck // Parent context is cancelled; we need a fresh context for shutdown
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health server shutdown failed: %v", err)
		}
	}()

	return nil
}
