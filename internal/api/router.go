// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

// Package api serves the operations endpoint of the daemon with chi.
//
// Routes:
//
//	GET /healthz                          liveness and pipeline health
//	GET /metrics                          Prometheus collectors
//	GET /api/v1/blocklist                 current block recommendations
//	GET /api/v1/security/stats?hours=24   security statistics
//	GET /api/v1/security/suspicious-ips?hours=24&limit=10
//
// The block list is the pull interface for an external enforcer; the
// pipeline itself never blocks traffic.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker/v2"

	"github.com/tomtom215/shelfwatch/internal/events"
	"github.com/tomtom215/shelfwatch/internal/reporting"
)

// QueueReporter exposes the batch writer backlog.
type QueueReporter interface {
	QueueLen() int
}

// BlockList lists block recommendations.
type BlockList interface {
	Blocked() []events.BlockRecommendation
}

// Statistics is the reporting subset served over HTTP.
type Statistics interface {
	GetSecurityStatistics(ctx context.Context, hours int) (reporting.SecurityStatistics, error)
	GetSuspiciousIPs(ctx context.Context, hours, limit int) ([]reporting.IPCount, error)
}

// BreakerReporter exposes the store circuit breaker state.
type BreakerReporter interface {
	State() gobreaker.State
}

// Deps are the components behind the routes. Breaker may be nil.
type Deps struct {
	Queue   QueueReporter
	Blocked BlockList
	Stats   Statistics
	Breaker BreakerReporter
}

// Handler implements the ops routes.
type Handler struct {
	deps      Deps
	startTime time.Time
}

// NewHandler creates the handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps, startTime: time.Now()}
}

// NewRouter builds the chi router.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/blocklist", h.BlockList)
		r.Route("/security", func(r chi.Router) {
			r.Get("/stats", h.SecurityStats)
			r.Get("/suspicious-ips", h.SuspiciousIPs)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	return r
}
