// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/absmach/duplicator/duplication"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
}

var _ duplication.ResultListener = (*Server)(nil)

// Server streams duplication results to WebSocket subscribers as JSON text frames.
//
// Subscribers narrow the stream with query parameters: failures=true keeps only
// abandoned events and space=<pattern> keeps events whose space ID matches the
// path.Match pattern. A subscriber that cannot keep up is disconnected.
type Server struct {
	config   Config
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/results"
	}

	s := &Server{
		config:  cfg,
		logger:  logger,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}

	return s
}

// Handler returns the HTTP handler serving the stream.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		// Hijacked connections are not tracked by Shutdown.
		s.Close()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

// ProcessResult broadcasts e to every matching subscriber.
func (s *Server) ProcessResult(e duplication.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("websocket_marshal_failed", slog.String("error", err.Error()))
		return
	}

	var slow []*client
	s.mu.RLock()
	for c := range s.clients {
		if !c.wants(e) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range slow {
		s.logger.Warn("websocket_subscriber_too_slow", slog.String("remote_addr", c.remoteAddr))
		s.remove(c)
	}
}

// Clients returns the number of connected subscribers.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close disconnects all subscribers and rejects new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.remove(c)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pattern := q.Get("space")
	if pattern != "" {
		if _, err := path.Match(pattern, ""); err != nil {
			http.Error(w, "invalid space pattern", http.StatusBadRequest)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		ws:           ws,
		remoteAddr:   r.RemoteAddr,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		failuresOnly: q.Get("failures") == "true",
		spacePattern: pattern,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("websocket_subscriber_connected", slog.String("remote_addr", r.RemoteAddr))

	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()

	if ok {
		c.close()
		s.logger.Debug("websocket_subscriber_disconnected", slog.String("remote_addr", c.remoteAddr))
	}
}

// readPump discards inbound frames and detects disconnects.
func (s *Server) readPump(c *client) {
	defer s.remove(c)

	c.ws.SetReadLimit(512)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.remove(c)
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type client struct {
	ws           *websocket.Conn
	remoteAddr   string
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	failuresOnly bool
	spacePattern string
}

func (c *client) wants(e duplication.Event) bool {
	if c.failuresOnly && e.Success() {
		return false
	}
	if c.spacePattern == "" {
		return true
	}
	ok, _ := path.Match(c.spacePattern, e.SpaceID)
	return ok
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
