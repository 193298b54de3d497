// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/shelfwatch/internal/logging"
)

const defaultOpsShutdownTimeout = 10 * time.Second

// OpsServerService serves the ops endpoint (health, metrics, block list)
// under the supervisor tree.
//
//	server := &http.Server{Addr: cfg.Server.Addr, Handler: p.router()}
//	tree.AddOpsService(services.NewOpsServerService(server, cfg.Server.ShutdownTimeout))
//
// The listener is bound inside Serve, so a port conflict surfaces as a Serve
// error and suture retries with backoff instead of the daemon exiting.
type OpsServerService struct {
	server          *http.Server
	shutdownTimeout time.Duration

	addr      atomic.Pointer[string]
	ready     chan struct{}
	readyOnce sync.Once
}

// NewOpsServerService wraps server. A non-positive shutdownTimeout means 10s.
func NewOpsServerService(server *http.Server, shutdownTimeout time.Duration) *OpsServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultOpsShutdownTimeout
	}
	return &OpsServerService{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		ready:           make(chan struct{}),
	}
}

// Ready is closed once the listener has been bound for the first time.
func (s *OpsServerService) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, or "" before the first bind. With a ":0"
// configuration it reports the port the kernel picked.
func (s *OpsServerService) Addr() string {
	if p := s.addr.Load(); p != nil {
		return *p
	}
	return ""
}

// Serve implements suture.Service. On cancellation in-flight requests get
// shutdownTimeout to finish; connections still open after that are closed
// and the deadline error is returned.
func (s *OpsServerService) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("ops endpoint bind %q: %w", s.server.Addr, err)
	}
	bound := ln.Addr().String()
	s.addr.Store(&bound)
	s.readyOnce.Do(func() { close(s.ready) })
	logging.Info().Str("addr", bound).Msg("Ops endpoint listening")

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.server.Serve(ln) }()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return ctx.Err()
		}
		return fmt.Errorf("ops endpoint stopped: %w", err)

	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Dur("timeout", s.shutdownTimeout).Msg("Ops endpoint drain timed out, closing connections")
		if closeErr := s.server.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		<-serveErr
		return fmt.Errorf("ops endpoint shutdown: %w", err)
	}
	<-serveErr
	logging.Info().Str("addr", bound).Msg("Ops endpoint stopped")
	return ctx.Err()
}

func (s *OpsServerService) String() string {
	return "ops-server"
}
