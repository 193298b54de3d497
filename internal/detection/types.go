// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package detection

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tomtom215/shelfwatch/internal/models"
	"github.com/tomtom215/shelfwatch/internal/store"
)

// RuleType identifies the type of a threat rule.
type RuleType string

const (
	RuleTypeBruteForce          RuleType = "brute_force"
	RuleTypeSuspiciousLogin     RuleType = "suspicious_login"
	RuleTypePrivilegeEscalation RuleType = "privilege_escalation"
	RuleTypeDataExfiltration    RuleType = "data_exfiltration"
	RuleTypeInjection           RuleType = "injection"
)

// ThreatRule is one fixed detection threshold.
type ThreatRule struct {
	RuleID      string          `json:"rule_id"`
	Type        RuleType        `json:"type"`
	Threshold   int             `json:"threshold"`
	TimeWindow  time.Duration   `json:"time_window"`
	Severity    models.Severity `json:"severity"`
	Description string          `json:"description"`
}

// Rule IDs of DefaultThreatRules.
const (
	RuleBruteForceLogin     = "brute_force_login"
	RuleSuspiciousLocation  = "suspicious_location"
	RuleEscalationAttempts  = "privilege_escalation_attempts"
	RuleBulkExport          = "bulk_data_export"
	RuleInjectionSignatures = "injection_signatures"
)

// DefaultThreatRules returns the rule set keyed by rule ID.
func DefaultThreatRules() map[string]ThreatRule {
	rules := []ThreatRule{
		{
			RuleID:      RuleBruteForceLogin,
			Type:        RuleTypeBruteForce,
			Threshold:   5,
			TimeWindow:  300 * time.Second,
			Severity:    models.SeverityHigh,
			Description: "Failed logins from one address within five minutes",
		},
		{
			RuleID:      RuleSuspiciousLocation,
			Type:        RuleTypeSuspiciousLogin,
			Threshold:   1000,
			TimeWindow:  30 * 24 * time.Hour,
			Severity:    models.SeverityMedium,
			Description: "Login from a new location or at an implausible travel speed (km/h)",
		},
		{
			RuleID:      RuleEscalationAttempts,
			Type:        RuleTypePrivilegeEscalation,
			Threshold:   3,
			TimeWindow:  time.Hour,
			Severity:    models.SeverityHigh,
			Description: "Repeated privilege escalation attempts by one user",
		},
		{
			RuleID:      RuleBulkExport,
			Type:        RuleTypeDataExfiltration,
			Threshold:   1000,
			TimeWindow:  time.Hour,
			Severity:    models.SeverityHigh,
			Description: "Export of more records than a single request should need",
		},
		{
			RuleID:      RuleInjectionSignatures,
			Type:        RuleTypeInjection,
			Threshold:   1,
			Severity:    models.SeverityHigh,
			Description: "SQL injection or XSS signature in a request payload",
		},
	}
	out := make(map[string]ThreatRule, len(rules))
	for _, r := range rules {
		out[r.RuleID] = r
	}
	return out
}

// Threat identifiers reported by the login analysis.
const (
	ThreatGeoAnomaly          = "geo_location_anomaly"
	ThreatImpossibleTravel    = "impossible_travel"
	ThreatBruteForce          = "brute_force_attack"
	ThreatNewDevice           = "new_device_login"
	ThreatSuspiciousUserAgent = "suspicious_user_agent"
	ThreatUnusualTime         = "unusual_time_pattern"
)

// Anomalies reported by DetectAnomalousDataAccess.
const (
	AnomalyOffHours        = "off_hours_access"
	AnomalyFrequencySpike  = "access_frequency_spike"
	AnomalyBulkExport      = "bulk_export"
	AnomalySensitiveEntity = "sensitive_entity_access"
	AnomalyFirstSensitive  = "first_sensitive_access"
)

// Reasons reported by DetectPrivilegeEscalation.
const (
	ReasonUnknownUser       = "unknown_user"
	ReasonPermissionDenied  = "permission_denied"
	ReasonTargetsHigherRole = "targets_higher_role"
	ReasonSensitiveAction   = "sensitive_action"
	ReasonRepeatedAttempts  = "repeated_attempts"
)

// LoginAnalysis is the result of AnalyzeLoginAttempt.
type LoginAnalysis struct {
	RiskScore    float64             `json:"risk_score"`
	Threats      []string            `json:"threats"`
	ShouldBlock  bool                `json:"should_block"`
	IsBruteForce bool                `json:"is_brute_force"`
	Location     *models.Geolocation `json:"location,omitempty"`
	EventID      string              `json:"event_id,omitempty"`
}

// AccessOptions are the optional inputs of DetectAnomalousDataAccess.
type AccessOptions struct {
	RecordCount int
	IPAddress   string
	UserAgent   string
}

// AccessAnalysis is the result of DetectAnomalousDataAccess.
type AccessAnalysis struct {
	IsAnomalous bool     `json:"is_anomalous"`
	RiskScore   float64  `json:"risk_score"`
	Anomalies   []string `json:"anomalies"`
	EventID     string   `json:"event_id,omitempty"`
}

// EscalationOptions are the optional inputs of DetectPrivilegeEscalation.
type EscalationOptions struct {
	// TargetUserID names the user the action is aimed at, if any.
	TargetUserID string
	IPAddress    string
	UserAgent    string
}

// EscalationAnalysis is the result of DetectPrivilegeEscalation.
type EscalationAnalysis struct {
	IsEscalation bool     `json:"is_escalation"`
	RiskScore    float64  `json:"risk_score"`
	Reasons      []string `json:"reasons"`
	EventID      string   `json:"event_id,omitempty"`
}

// EventRecorder is the intake path for detection results. audit.Service
// satisfies it.
type EventRecorder interface {
	RecordSecurityEvent(ctx context.Context, ev *models.SecurityEvent) (*models.SecurityEvent, error)
}

// Store is the persistence the detectors read.
type Store interface {
	store.AuditLogStore
	store.SecurityEventStore
	store.LoginAttemptStore
	store.UserStore
}

// Option customizes a detector.
type Option func(*options)

type options struct {
	clock       clockwork.Clock
	geo         GeoResolver
	permissions *PermissionChecker
	registry    *IPRegistry
}

// WithClock injects the clock used for windows and tickers.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithGeoResolver sets the resolver used when an attempt carries no location.
func WithGeoResolver(r GeoResolver) Option {
	return func(o *options) { o.geo = r }
}

// WithPermissionChecker replaces the embedded casbin policy.
func WithPermissionChecker(p *PermissionChecker) Option {
	return func(o *options) { o.permissions = p }
}

// WithIPRegistry shares an address registry between components.
func WithIPRegistry(r *IPRegistry) Option {
	return func(o *options) { o.registry = r }
}

func applyOptions(opts []Option) options {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
