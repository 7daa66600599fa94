// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/duplicator/duplication"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Service is the duplicator state exposed by the health endpoints.
type Service interface {
	FromStoreID() string
	ToStoreID() string
	Pending() duplication.Backlog
}

// Server answers liveness, readiness and backlog probes for one duplicator.
type Server struct {
	config   Config
	svc      Service
	logger   *slog.Logger
	mux      *http.ServeMux
	server   *http.Server
	mu       sync.RWMutex
	listener net.Listener
	draining atomic.Bool
}

// New creates a health server. A nil svc keeps the server unready.
func New(cfg Config, svc Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: cfg,
		svc:    svc,
		logger: logger,
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)
	s.mux.HandleFunc("GET /status", s.handleStatus)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the probe routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Addr returns the listener's network address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Drain marks the service as shutting down. Readiness fails from then on.
func (s *Server) Drain() {
	s.draining.Store(true)
}

// Listen serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Health check server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// ProbeResponse is the body of /health and /ready.
type ProbeResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ProbeResponse{Status: "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if reason := s.notReady(); reason != "" {
		writeJSON(w, http.StatusServiceUnavailable, ProbeResponse{Status: "not_ready", Details: reason})
		return
	}
	writeJSON(w, http.StatusOK, ProbeResponse{Status: "ready"})
}

func (s *Server) notReady() string {
	switch {
	case s.svc == nil:
		return "duplicator not initialized"
	case s.draining.Load():
		return "shutting down"
	}
	return ""
}

// StatusResponse describes the store pair and outstanding work.
type StatusResponse struct {
	FromStoreID string              `json:"from_store_id"`
	ToStoreID   string              `json:"to_store_id"`
	Pending     int                 `json:"pending"`
	Backlog     duplication.Backlog `json:"backlog"`
	Draining    bool                `json:"draining"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.svc == nil {
		http.Error(w, "duplicator not initialized", http.StatusServiceUnavailable)
		return
	}

	b := s.svc.Pending()
	writeJSON(w, http.StatusOK, StatusResponse{
		FromStoreID: s.svc.FromStoreID(),
		ToStoreID:   s.svc.ToStoreID(),
		Pending:     b.Total(),
		Backlog:     b,
		Draining:    s.draining.Load(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
