// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package events

import (
	"time"

	"github.com/tomtom215/shelfwatch/internal/models"
)

// Payloads per topic. logCreated carries the models.AuditLogEntry and
// threat_detected the models.SecurityEvent directly.

// BatchProcessed is published after every flush that had work to do.
type BatchProcessed struct {
	// Count is the number of entries taken from the queue.
	Count int `json:"count"`
	// Written is the number inserted by this flush; entries already persisted
	// on the synchronous path are not written again.
	Written    int   `json:"written"`
	Dropped    int   `json:"dropped"`
	DurationMs int64 `json:"duration_ms"`
}

// AlertRequired is published for high/critical entries whose caller asked
// for escalation.
type AlertRequired struct {
	EntryID       string    `json:"entry_id"`
	Action        string    `json:"action"`
	Entity        string    `json:"entity"`
	EntityID      string    `json:"entity_id,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	RiskLevel     string    `json:"risk_level"`
	Description   string    `json:"description,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewAlertRequired builds the alert payload for an entry.
func NewAlertRequired(e *models.AuditLogEntry) AlertRequired {
	return AlertRequired{
		EntryID:       e.ID,
		Action:        e.Action,
		Entity:        e.Entity,
		EntityID:      e.EntityID,
		UserID:        e.UserID,
		RiskLevel:     string(e.RiskLevel),
		Description:   e.Description,
		CorrelationID: e.CorrelationID,
		CreatedAt:     e.CreatedAt,
	}
}

// BlockRecommendation advises an external enforcer to block an address.
// The pipeline itself never blocks traffic.
type BlockRecommendation struct {
	IPAddress     string    `json:"ip_address"`
	Reason        string    `json:"reason"`
	RiskScore     float64   `json:"risk_score"`
	RecommendedAt time.Time `json:"recommended_at"`
}

// CriticalThreat is published when an intrusion scan crosses the critical threshold.
type CriticalThreat struct {
	EventID  string           `json:"event_id,omitempty"`
	Score    float64          `json:"score"`
	Patterns []PatternSummary `json:"patterns"`
	At       time.Time        `json:"at"`
}

// PatternSummary condenses one intrusion pattern for downstream handlers.
type PatternSummary struct {
	Type    string  `json:"type"`
	Subject string  `json:"subject,omitempty"`
	Count   int64   `json:"count"`
	Score   float64 `json:"score"`
}
