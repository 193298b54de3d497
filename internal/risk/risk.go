// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

// Package risk classifies audited actions. Every function is pure and
// deterministic: the same action, entity and hints always produce the same
// level, flags and encryption decision.
package risk

import (
	"strings"

	"github.com/tomtom215/shelfwatch/internal/models"
)

var (
	highRiskActions = map[string]bool{
		"delete":            true,
		"modify_permission": true,
		"export_data":       true,
		"system_config":     true,
	}

	highRiskEntities = map[string]bool{
		"User":            true,
		"Permission":      true,
		"SystemConfig":    true,
		"SecuritySetting": true,
	}

	sensitiveEntities = map[string]bool{
		"User":         true,
		"Permission":   true,
		"Payment":      true,
		"PersonalData": true,
	}

	encryptedActions = map[string]bool{
		"create":         true,
		"update":         true,
		"view_sensitive": true,
	}

	userActionLevels = map[string]models.RiskLevel{
		"login":             models.RiskLow,
		"logout":            models.RiskLow,
		"view":              models.RiskLow,
		"create":            models.RiskMedium,
		"update":            models.RiskMedium,
		"delete":            models.RiskHigh,
		"export":            models.RiskHigh,
		"import":            models.RiskHigh,
		"permission_change": models.RiskCritical,
		"system_config":     models.RiskCritical,
	}
)

// failedAttemptsThreshold is exceeded (strictly) before multiple_failures is flagged.
const failedAttemptsThreshold = 3

// Hints are caller-supplied observations about the request being audited.
type Hints struct {
	IPChanged          bool
	UnusualTime        bool
	FailedAttempts     int
	SuspiciousActivity bool
}

// AnalyzeSecurityFlags converts hints into security flags, in a fixed order.
func AnalyzeSecurityFlags(h Hints) []string {
	var flags []string
	if h.IPChanged {
		flags = append(flags, models.FlagIPChanged)
	}
	if h.UnusualTime {
		flags = append(flags, models.FlagUnusualTime)
	}
	if h.FailedAttempts > failedAttemptsThreshold {
		flags = append(flags, models.FlagMultipleFailures)
	}
	if h.SuspiciousActivity {
		flags = append(flags, models.FlagSuspiciousActivity)
	}
	return flags
}

// CalculateRiskLevel returns high for dangerous actions or entities, medium
// for failures or flagged requests, and low otherwise. It never returns
// critical; only explicit user-action classification does.
func CalculateRiskLevel(action, entity string, result models.Result, securityFlags []string) models.RiskLevel {
	if highRiskActions[strings.ToLower(action)] || highRiskEntities[entity] {
		return models.RiskHigh
	}
	if result == models.ResultFailure || len(securityFlags) > 0 {
		return models.RiskMedium
	}
	return models.RiskLow
}

// UserActionRiskLevel is the fixed lookup used for user-initiated actions.
// Unknown actions are low.
func UserActionRiskLevel(action string) models.RiskLevel {
	if level, ok := userActionLevels[strings.ToLower(action)]; ok {
		return level
	}
	return models.RiskLow
}

// ShouldEncrypt reports whether changes/oldValues/newValues of an entry must
// be sealed at rest.
func ShouldEncrypt(entity, action string) bool {
	return sensitiveEntities[entity] || encryptedActions[strings.ToLower(action)]
}

// SeverityRiskLevel maps a security event severity onto the audit risk scale.
func SeverityRiskLevel(s models.Severity) models.RiskLevel {
	level := models.RiskLevel(s)
	if !level.Valid() {
		return models.RiskMedium
	}
	return level
}

// SeverityForScore buckets an additive, uncapped threat score.
func SeverityForScore(score float64) models.Severity {
	switch {
	case score >= 100:
		return models.SeverityCritical
	case score >= 70:
		return models.SeverityHigh
	case score >= 40:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
