// Package api exposes the coordinator's HTTP JSON API for worker nodes and
// the operator dashboard.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/netutil"

	"icc.tech/dispatchd/internal/config"
	"icc.tech/dispatchd/internal/dispatch"
)

// Server is the coordinator HTTP API server.
type Server struct {
	addr         string
	maxConns     int
	readTimeout  time.Duration
	writeTimeout time.Duration

	dispatcher *dispatch.Dispatcher
	server     *http.Server
	listener   net.Listener
}

// NewServer creates an API server bound to the dispatcher.
// Call only after the config passed ValidateAndApplyDefaults.
func NewServer(cfg config.ServerConfig, d *dispatch.Dispatcher) *Server {
	readTimeout, _ := time.ParseDuration(cfg.ReadTimeout)
	writeTimeout, _ := time.ParseDuration(cfg.WriteTimeout)
	return &Server{
		addr:         cfg.Listen,
		maxConns:     cfg.MaxConns,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		dispatcher:   d,
	}
}

// Start binds the listener and serves in the background. The listener is
// capped at max_conns concurrent connections when configured.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api server: listen on %s: %w", s.addr, err)
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting api server", "addr", s.addr, "max_conns", s.maxConns)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("api server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listen address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the API server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	slog.Info("stopping api server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}

	slog.Info("api server stopped")
	return nil
}
