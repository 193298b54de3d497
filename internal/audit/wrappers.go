// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tomtom215/shelfwatch/internal/events"
	"github.com/tomtom215/shelfwatch/internal/logging"
	"github.com/tomtom215/shelfwatch/internal/metrics"
	"github.com/tomtom215/shelfwatch/internal/models"
	"github.com/tomtom215/shelfwatch/internal/risk"
)

// Actor and entity names used by the wrappers.
const (
	SystemActor    = "system"
	SystemEntity   = "System"
	SecurityEntity = "Security"
)

// ErrNilEvent is returned by RecordSecurityEvent for a nil event.
var ErrNilEvent = errors.New("security event is nil")

// LogUserAction logs an action taken by a user. The risk level comes from the
// per-action table unless opts.RiskLevel is set.
func (s *Service) LogUserAction(ctx context.Context, userID, role, action, entity, entityID, description string, opts LogOptions) (*models.AuditLogEntry, error) {
	opts.UserID = userID
	opts.UserRole = role
	if !opts.RiskLevel.Valid() {
		opts.RiskLevel = risk.UserActionRiskLevel(action)
	}
	return s.Log(ctx, action, entity, entityID, description, opts)
}

// LogSystemEvent logs an action performed by the pipeline or the host itself.
func (s *Service) LogSystemEvent(ctx context.Context, action, description string, opts LogOptions) (*models.AuditLogEntry, error) {
	opts.UserID = SystemActor
	opts.UserRole = SystemActor
	return s.Log(ctx, action, SystemEntity, "", description, opts)
}

// LogSecurityEvent logs a security-relevant occurrence on the audit trail.
// High and critical severities require escalation.
func (s *Service) LogSecurityEvent(ctx context.Context, eventType string, severity models.Severity, description string, opts LogOptions) (*models.AuditLogEntry, error) {
	opts.RiskLevel = risk.SeverityRiskLevel(severity)
	if opts.RiskLevel.IsElevated() {
		opts.RequiresEscalation = true
	}
	return s.Log(ctx, eventType, SecurityEntity, "", description, opts)
}

// RecordSecurityEvent persists a detection result, publishes threat_detected
// and writes the companion audit entry. A missing severity is derived from the
// risk score.
func (s *Service) RecordSecurityEvent(ctx context.Context, ev *models.SecurityEvent) (*models.SecurityEvent, error) {
	if ev == nil {
		return nil, ErrNilEvent
	}
	rec := *ev
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock.Now().UTC()
	}
	if !rec.Severity.Valid() {
		rec.Severity = risk.SeverityForScore(rec.RiskScore)
	}

	if err := s.store.CreateSecurityEvent(ctx, &rec); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("event_type", rec.EventType).Msg("Failed to persist security event")
		return nil, fmt.Errorf("failed to persist security event %s: %w", rec.EventType, err)
	}
	metrics.RecordSecurityEvent(rec.EventType, string(rec.Severity))
	s.publish(ctx, events.TopicThreatDetected, &rec)

	description := fmt.Sprintf("%s detected (score %.0f)", rec.EventType, rec.RiskScore)
	if _, err := s.LogSecurityEvent(ctx, rec.EventType, rec.Severity, description, LogOptions{
		UserID:      rec.UserID,
		IPAddress:   rec.IPAddress,
		UserAgent:   rec.UserAgent,
		Changes:     rec.EventData,
		RequestInfo: rec.ContextData,
		ParentLogID: rec.ID,
	}); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("event_id", rec.ID).Msg("Companion audit entry not persisted")
	}
	return &rec, nil
}
