// Package api provides the HTTP status surface of the recording
// client: recorder status, health, and prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sebas/siprec/internal/siprec"
)

// StatusProvider exposes recorder status snapshots. Implemented by
// siprec.Manager.
type StatusProvider interface {
	Status() []siprec.AgentStatus
}

// Server provides the HTTP API (headless, API only).
type Server struct {
	addr       string
	httpServer *http.Server
	provider   StatusProvider
	startTime  time.Time
}

// NewServer creates the API server. An empty addr disables it.
func NewServer(addr string, provider StatusProvider) *Server {
	s := &Server{
		addr:      addr,
		provider:  provider,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/recorders", s.handleRecorders)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() error {
	if s.addr == "" {
		return nil
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[API] Server error", "error", err)
		}
	}()
	slog.Info("[API] Listening", "addr", s.addr)
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	if s.addr == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleRecorders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.provider.Status())
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("[API] Encode failed", "error", err)
	}
}
