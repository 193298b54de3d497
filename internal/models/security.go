// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Security event types produced by the detection components.
const (
	EventSuspiciousLogin     = "suspicious_login"
	EventDataAccessViolation = "data_access_violation"
	EventPrivilegeEscalation = "privilege_escalation"
	EventSQLInjection        = "sql_injection_attempt"
	EventXSSAttempt          = "xss_attempt"
	EventIntrusionDetected   = "system_intrusion_detected"
)

// SecurityEvent records a detected threat or anomaly. Events are read-only
// once created and are never removed by retention.
type SecurityEvent struct {
	ID          string          `json:"id"`
	EventType   string          `json:"event_type"`
	Severity    Severity        `json:"severity"`
	EventData   json.RawMessage `json:"event_data,omitempty"`
	ContextData json.RawMessage `json:"context_data,omitempty"`
	IPAddress   string          `json:"ip_address,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	UserAgent   string          `json:"user_agent,omitempty"`
	// RiskScore is additive and has no upper bound.
	RiskScore float64   `json:"risk_score"`
	IsBlocked bool      `json:"is_blocked"`
	CreatedAt time.Time `json:"created_at"`
}
