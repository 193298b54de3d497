// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package detection

import (
	"context"
	"errors"
	"strings"

	"github.com/tomtom215/shelfwatch/internal/logging"
	"github.com/tomtom215/shelfwatch/internal/metrics"
	"github.com/tomtom215/shelfwatch/internal/models"
	"github.com/tomtom215/shelfwatch/internal/store"
)

// Escalation scoring weights.
const (
	scoreUnknownUser       = 100
	scorePermissionDenied  = 60
	scoreTargetsHigherRole = 80
	scoreSensitiveAction   = 70
	scoreRepeatedAttempts  = 30
)

// sensitiveActions require the admin role.
var sensitiveActions = map[string]bool{
	"DELETE_USER":        true,
	"MODIFY_PERMISSIONS": true,
	"ACCESS_AUDIT_LOGS":  true,
	"SYSTEM_CONFIG":      true,
}

// DetectPrivilegeEscalation scores an attempt by userID to perform action on
// targetEntity. An unknown actor is always an escalation with score 100.
// Repeated attempts raise the score but do not make a clean request an
// escalation.
func (a *Analyzer) DetectPrivilegeEscalation(ctx context.Context, userID, action, targetEntity string, opts EscalationOptions) EscalationAnalysis {
	result := EscalationAnalysis{Reasons: []string{}}

	user, err := a.store.GetUser(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound) || (err == nil && user == nil):
		result.IsEscalation = true
		result.RiskScore = scoreUnknownUser
		result.Reasons = append(result.Reasons, ReasonUnknownUser)
		metrics.ObserveThreatScore("privilege", result.RiskScore)
		a.recordEscalation(ctx, &result, userID, action, targetEntity, "", opts)
		return result
	case err != nil:
		logging.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("Actor lookup failed, escalation check skipped")
		return result
	}

	add := func(score float64, reason string) {
		result.RiskScore += score
		result.Reasons = append(result.Reasons, reason)
	}

	allowed, err := a.permissions.Allowed(user.Role, action, targetEntity)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("Permission check failed")
	} else if !allowed {
		add(scorePermissionDenied, ReasonPermissionDenied)
	}

	if opts.TargetUserID != "" && opts.TargetUserID != userID {
		target, err := a.store.GetUser(ctx, opts.TargetUserID)
		switch {
		case err == nil && target != nil && target.Role.Outranks(user.Role):
			add(scoreTargetsHigherRole, ReasonTargetsHigherRole)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			logging.Ctx(ctx).Warn().Err(err).Str("target_user_id", opts.TargetUserID).Msg("Target lookup failed")
		}
	}

	if sensitiveActions[strings.ToUpper(action)] && user.Role != models.RoleAdmin {
		add(scoreSensitiveAction, ReasonSensitiveAction)
	}

	result.IsEscalation = result.RiskScore > 0
	if a.hasRepeatedAttempts(ctx, userID) {
		add(scoreRepeatedAttempts, ReasonRepeatedAttempts)
	}

	metrics.ObserveThreatScore("privilege", result.RiskScore)
	if result.IsEscalation {
		a.recordEscalation(ctx, &result, userID, action, targetEntity, user.Role, opts)
	}
	return result
}

// hasRepeatedAttempts reports whether userID already has more escalation
// events in the rule window than the rule threshold.
func (a *Analyzer) hasRepeatedAttempts(ctx context.Context, userID string) bool {
	rule := a.rules[RuleEscalationAttempts]
	now := a.clock.Now()
	prior, err := a.store.CountSecurityEvents(ctx, store.SecurityEventFilter{
		EventTypes: []string{models.EventPrivilegeEscalation},
		UserID:     userID,
		Since:      now.Add(-rule.TimeWindow),
	})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("Escalation history unavailable")
		return false
	}
	return prior > int64(rule.Threshold)
}

func (a *Analyzer) recordEscalation(ctx context.Context, result *EscalationAnalysis, userID, action, targetEntity string, role models.Role, opts EscalationOptions) {
	result.EventID = a.record(ctx, &models.SecurityEvent{
		EventType: models.EventPrivilegeEscalation,
		EventData: mustJSON(map[string]any{
			"action":         action,
			"target_entity":  targetEntity,
			"target_user_id": opts.TargetUserID,
			"role":           role,
			"reasons":        result.Reasons,
		}),
		UserID:    userID,
		IPAddress: opts.IPAddress,
		UserAgent: opts.UserAgent,
		RiskScore: result.RiskScore,
	})
}
