// Package server runs the platform behind an HTTP listener with graceful
// shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/txn2/pairtalk/pkg/platform"
)

// Version is set at build time.
var Version = "dev"

// Server owns the platform and its HTTP listener.
type Server struct {
	platform *platform.Platform
	http     *http.Server
}

// New creates a server from configuration.
func New(cfg *platform.Config, opts ...platform.Option) (*Server, error) {
	p, err := platform.New(append([]platform.Option{platform.WithConfig(cfg)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating platform: %w", err)
	}

	// No write timeout: long-poll reads hold the response open up to
	// longpoll.max_wait.
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           p.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
	}
	return &Server{platform: p, http: srv}, nil
}

// NewWithConfig loads configuration from path and creates a server.
func NewWithConfig(path string) (*Server, error) {
	cfg, err := platform.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// Platform returns the underlying platform.
func (s *Server) Platform() *platform.Platform {
	return s.platform
}

// ListenAndServe listens on the configured address and serves until ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve starts the platform and serves on ln until ctx is cancelled. On
// cancellation it drains long-poll waiters, shuts the listener down and
// stops the platform.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.platform.Start(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("starting platform: %w", err)
	}

	cfg := s.platform.Config()
	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.TLS.Enabled {
			err = s.http.ServeTLS(ln, cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = s.http.Serve(ln)
		}
		errCh <- err
	}()

	slog.Info("server listening", "address", ln.Addr().String(), "version", Version, "tls", cfg.Server.TLS.Enabled)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down")
	s.platform.Drain()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	stopErr := s.platform.Stop(shutdownCtx)

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return errors.Join(fmt.Errorf("serving: %w", serveErr), stopErr)
	}
	return stopErr
}
