// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package api

import (
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
)

// HealthStatus is the /healthz payload.
type HealthStatus struct {
	Status       string  `json:"status"`
	QueueLength  int     `json:"queue_length"`
	BreakerState string  `json:"breaker_state,omitempty"`
	BlockedIPs   int     `json:"blocked_ips"`
	Uptime       float64 `json:"uptime_seconds"`
}

// windowRequest bounds the query parameters of the security routes.
type windowRequest struct {
	Hours int `validate:"gte=1,lte=8760"`
	Limit int `validate:"gte=1,lte=1000"`
}

// Health reports degraded while the store breaker is open. It always answers
// 200 so that a probe restarting the process never drops the queue.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	status := HealthStatus{
		Status: "healthy",
		Uptime: time.Since(h.startTime).Seconds(),
	}
	if h.deps.Queue != nil {
		status.QueueLength = h.deps.Queue.QueueLen()
	}
	if h.deps.Blocked != nil {
		status.BlockedIPs = len(h.deps.Blocked.Blocked())
	}
	if h.deps.Breaker != nil {
		state := h.deps.Breaker.State()
		status.BreakerState = state.String()
		if state == gobreaker.StateOpen {
			status.Status = "degraded"
		}
	}
	respondData(w, status)
}

// BlockList returns the block recommendations, newest first.
func (h *Handler) BlockList(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Blocked == nil {
		respondData(w, []any{})
		return
	}
	respondData(w, h.deps.Blocked.Blocked())
}

// SecurityStats returns reporting statistics for ?hours (default 24).
func (h *Handler) SecurityStats(w http.ResponseWriter, r *http.Request) {
	req := windowRequest{Hours: getIntParam(r, "hours", 24), Limit: 1}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondJSON(w, http.StatusBadRequest, &Response{Status: "error", Error: apiErr, Timestamp: time.Now().UTC()})
		return
	}
	stats, err := h.deps.Stats.GetSecurityStatistics(r.Context(), req.Hours)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Statistics are incomplete", err)
		return
	}
	respondData(w, stats)
}

// SuspiciousIPs returns the addresses with the most failed logins.
func (h *Handler) SuspiciousIPs(w http.ResponseWriter, r *http.Request) {
	req := windowRequest{Hours: getIntParam(r, "hours", 24), Limit: getIntParam(r, "limit", 10)}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondJSON(w, http.StatusBadRequest, &Response{Status: "error", Error: apiErr, Timestamp: time.Now().UTC()})
		return
	}
	ips, err := h.deps.Stats.GetSuspiciousIPs(r.Context(), req.Hours, req.Limit)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Suspicious addresses unavailable", err)
		return
	}
	respondData(w, ips)
}
