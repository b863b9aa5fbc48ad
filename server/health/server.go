// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/gatepass/gatepass"
	"github.com/absmach/gatepass/realtime"
	"golang.org/x/net/netutil"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	MaxConnections  int // 0 = unlimited
}

// Channels lists the channels the server reports on.
type Channels interface {
	Channels() []realtime.Info
}

// ChannelsFunc adapts a function to Channels.
type ChannelsFunc func() []realtime.Info

// Channels calls f.
func (f ChannelsFunc) Channels() []realtime.Info { return f() }

// Board summarises dashboard state.
type Board interface {
	Len() int
	Counts() map[gatepass.Status]int
	Applied() uint64
}

// Server provides health check and status endpoints.
type Server struct {
	config   Config
	channels Channels
	board    Board
	logger   *slog.Logger
	server   *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server. board may be nil.
func New(cfg Config, channels Channels, board Board, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		channels: channels,
		board:    board,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/channels", s.handleChannels)
	mux.HandleFunc("/board", s.handleBoard)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the listener's network address.
// Returns "" if server hasn't started listening yet.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	if s.config.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, s.config.MaxConnections)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
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

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady reports ready once every enabled channel is connected.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.channels == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "channels not initialized",
		})
		return
	}

	var pending []string
	for _, info := range s.channels.Channels() {
		if info.Enabled && info.Status != realtime.StatusConnected.String() {
			pending = append(pending, info.Name)
		}
	}
	if len(pending) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: fmt.Sprintf("channels not connected: %v", pending),
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

// ChannelsResponse lists channel status.
type ChannelsResponse struct {
	Channels  []realtime.Info `json:"channels"`
	Connected int             `json:"connected"`
	Total     int             `json:"total"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := ChannelsResponse{Channels: []realtime.Info{}}
	if s.channels != nil {
		resp.Channels = append(resp.Channels, s.channels.Channels()...)
	}
	resp.Total = len(resp.Channels)
	for _, info := range resp.Channels {
		if info.Status == realtime.StatusConnected.String() {
			resp.Connected++
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// BoardResponse summarises the dashboard.
type BoardResponse struct {
	Requests int                     `json:"requests"`
	Applied  uint64                  `json:"applied"`
	Counts   map[gatepass.Status]int `json:"counts"`
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.board == nil {
		http.Error(w, "board not configured", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, BoardResponse{
		Requests: s.board.Len(),
		Applied:  s.board.Applied(),
		Counts:   s.board.Counts(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
