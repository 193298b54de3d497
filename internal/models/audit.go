// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

/*
audit.go - Audit trail records

AuditLogEntry is the immutable record written by the intake service for every
audited action. RiskLevel and IsEncrypted are fixed when the entry is built;
the only mutation a persisted row ever sees is bulk deletion by retention.

Changes, OldValues and NewValues hold raw JSON. IsEncrypted marks entries on
sensitive entities or actions; when a key is configured their values hold a
JSON string with the sealed payload instead, which internal/cipher reverses.
Without a key the values stay plaintext and cipher.IsSealed reports false.
*/

package models

import (
	"slices"
	"time"

	"github.com/goccy/go-json"
)

// Compliance flags with special meaning to the pipeline itself.
const (
	// FlagReportGeneration tags the self-log written when a compliance report
	// is produced. Tagged entries publish no logCreated event and are excluded
	// from report data.
	FlagReportGeneration = "report_generation"
)

// Security flags derived from caller hints.
const (
	FlagIPChanged          = "ip_changed"
	FlagUnusualTime        = "unusual_time"
	FlagMultipleFailures   = "multiple_failures"
	FlagSuspiciousActivity = "suspicious_activity"
)

// AuditLogEntry is one audited action.
type AuditLogEntry struct {
	ID          string `json:"id"`
	Action      string `json:"action"`
	Entity      string `json:"entity"`
	EntityID    string `json:"entity_id,omitempty"`
	Description string `json:"description,omitempty"`

	UserID   string `json:"user_id,omitempty"`
	UserRole string `json:"user_role,omitempty"`

	Changes       json.RawMessage `json:"changes,omitempty"`
	OldValues     json.RawMessage `json:"old_values,omitempty"`
	NewValues     json.RawMessage `json:"new_values,omitempty"`
	RequestInfo   json.RawMessage `json:"request_info,omitempty"`
	ResourceUsage json.RawMessage `json:"resource_usage,omitempty"`

	SessionID string       `json:"session_id,omitempty"`
	IPAddress string       `json:"ip_address,omitempty"`
	UserAgent string       `json:"user_agent,omitempty"`
	Location  *Geolocation `json:"location,omitempty"`

	Result       Result    `json:"result"`
	ErrorDetails string    `json:"error_details,omitempty"`
	RiskLevel    RiskLevel `json:"risk_level"`

	SecurityFlags   []string `json:"security_flags,omitempty"`
	ComplianceFlags []string `json:"compliance_flags,omitempty"`

	CorrelationID   string `json:"correlation_id,omitempty"`
	ParentLogID     string `json:"parent_log_id,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms,omitempty"`

	IsEncrypted bool      `json:"is_encrypted"`
	CreatedAt   time.Time `json:"created_at"`
}

// HasComplianceFlag reports whether the entry carries flag.
func (e *AuditLogEntry) HasComplianceFlag(flag string) bool {
	return slices.Contains(e.ComplianceFlags, flag)
}
