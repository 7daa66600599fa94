// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/absmach/duplicator/duplication"
	"github.com/absmach/duplicator/journal"
)

const maxBodySize = 1 << 20

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	TLSConfig       *tls.Config
}

// Server accepts duplication events over HTTP and exposes the failure journal.
// A nil journal disables the /failures routes.
type Server struct {
	config    Config
	submitter journal.Submitter
	journal   journal.Store
	logger    *slog.Logger
	server    *http.Server
}

func New(cfg Config, s journal.Submitter, j journal.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	srv := &Server{
		config:    cfg,
		submitter: s,
		journal:   j,
		logger:    logger,
	}

	srv.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           srv.Handler(),
		TLSConfig:         cfg.TLSConfig,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /duplicate", s.handleDuplicate)
	mux.HandleFunc("GET /failures", s.handleFailures)
	mux.HandleFunc("POST /failures/retry", s.handleRetry)
	return mux
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("http_server_starting", slog.String("addr", s.config.Address))

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.TLSConfig != nil {
			err = s.server.ListenAndServeTLS("", "")
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("http_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("http_server_stopped")
		return nil
	}
}

type duplicateResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

func (s *Server) handleDuplicate(w http.ResponseWriter, r *http.Request) {
	var e duplication.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&e); err != nil {
		s.logger.Warn("http_duplicate_invalid_request", slog.String("error", err.Error()))
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if err := validate(e); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Client supplied attempts and failure state are not trusted.
	n := duplication.NewEvent(e.FromStoreID, e.ToStoreID, e.Type, e.SpaceID, e.ContentID)
	if e.ID != "" {
		n.ID = e.ID
	}

	s.logger.Debug("http_duplicate",
		slog.String("type", string(n.Type)),
		slog.String("space_id", n.SpaceID),
		slog.String("content_id", n.ContentID))

	if err := s.submitter.Submit(r.Context(), n); err != nil {
		s.writeSubmitError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, duplicateResponse{Status: "accepted", ID: n.ID})
}

func validate(e duplication.Event) error {
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.SpaceID == "" {
		return errors.New("space_id is required")
	}
	if !e.Type.IsSpace() && e.ContentID == "" {
		return errors.New("content_id is required for content events")
	}
	return nil
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, duplication.ErrUnknownStore), errors.Is(err, duplication.ErrUnknownType):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, duplication.ErrDuplication):
		s.logger.Error("http_duplicate_failed", slog.String("error", err.Error()))
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		s.logger.Error("http_duplicate_failed", slog.String("error", err.Error()))
		http.Error(w, fmt.Sprintf("duplication failed: %v", err), http.StatusInternalServerError)
	}
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}

	f := journal.Filter{FailedOnly: true}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		f.Limit = limit
	}

	records, err := s.journal.List(r.Context(), f)
	if err != nil {
		s.logger.Error("http_failures_list_failed", slog.String("error", err.Error()))
		http.Error(w, "failed to list failures", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	rec, err := journal.Replay(r.Context(), s.journal, s.submitter, id)
	switch {
	case errors.Is(err, journal.ErrNotFound):
		http.Error(w, "record not found", http.StatusNotFound)
		return
	case err != nil:
		s.writeSubmitError(w, err)
		return
	}

	s.logger.Info("http_failure_retried",
		slog.String("id", id),
		slog.String("space_id", rec.SpaceID),
		slog.String("content_id", rec.ContentID))
	writeJSON(w, http.StatusAccepted, duplicateResponse{Status: "accepted", ID: id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
