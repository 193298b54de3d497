// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package detection

import (
	"context"
	"strings"
	"time"

	"github.com/tomtom215/shelfwatch/internal/audit"
	"github.com/tomtom215/shelfwatch/internal/logging"
	"github.com/tomtom215/shelfwatch/internal/metrics"
	"github.com/tomtom215/shelfwatch/internal/models"
	"github.com/tomtom215/shelfwatch/internal/store"
)

// Data access scoring weights.
const (
	scoreOffHours        = 20
	scoreFrequencySpike  = 30
	scoreBulkExport      = 40
	scoreSensitiveEntity = 10
	scoreFirstSensitive  = 25

	businessHourStart = 8
	businessHourEnd   = 18

	// spikeFactor is how far above the hourly average the trailing hour
	// must be to count as a spike.
	spikeFactor = 3

	accessBaselineDays = 30
)

// pipelineEntities are written by the pipeline itself, including the entries
// that record data access violations, and never count as a user's accesses.
var pipelineEntities = []string{audit.SecurityEntity, audit.SystemEntity}

// sensitiveEntities hold personal data of library members.
var sensitiveEntities = map[string]bool{
	"User":       true,
	"UserPoints": true,
	"Review":     true,
}

// DetectAnomalousDataAccess scores a data access by userID. Any positive
// score records a data_access_violation event.
func (a *Analyzer) DetectAnomalousDataAccess(ctx context.Context, userID, entity, accessType string, opts AccessOptions) AccessAnalysis {
	now := a.clock.Now()
	result := AccessAnalysis{Anomalies: []string{}}
	add := func(score float64, anomaly string) {
		result.RiskScore += score
		result.Anomalies = append(result.Anomalies, anomaly)
	}

	if !isBusinessHours(now.In(a.zone)) {
		add(scoreOffHours, AnomalyOffHours)
	}
	if a.isFrequencySpike(ctx, userID, now) {
		add(scoreFrequencySpike, AnomalyFrequencySpike)
	}
	if strings.EqualFold(accessType, "export") && opts.RecordCount > a.rules[RuleBulkExport].Threshold {
		add(scoreBulkExport, AnomalyBulkExport)
	}
	if sensitiveEntities[entity] {
		add(scoreSensitiveEntity, AnomalySensitiveEntity)
		if a.isFirstAccess(ctx, userID, entity, now) {
			add(scoreFirstSensitive, AnomalyFirstSensitive)
		}
	}

	result.IsAnomalous = result.RiskScore > 0
	metrics.ObserveThreatScore("data_access", result.RiskScore)

	if result.IsAnomalous {
		result.EventID = a.record(ctx, &models.SecurityEvent{
			EventType: models.EventDataAccessViolation,
			EventData: mustJSON(map[string]any{
				"entity":       entity,
				"access_type":  accessType,
				"record_count": opts.RecordCount,
				"anomalies":    result.Anomalies,
			}),
			UserID:    userID,
			IPAddress: opts.IPAddress,
			UserAgent: opts.UserAgent,
			RiskScore: result.RiskScore,
		})
	}
	return result
}

// isBusinessHours reports whether t falls on a weekday between 08:00 and 18:00.
func isBusinessHours(t time.Time) bool {
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	h := t.Hour()
	return h >= businessHourStart && h < businessHourEnd
}

// isFrequencySpike compares the user's trailing-hour activity with the
// hourly average of the preceding 30 days. Users without a baseline are
// never flagged. Pipeline entries do not count as activity.
func (a *Analyzer) isFrequencySpike(ctx context.Context, userID string, now time.Time) bool {
	if userID == "" {
		return false
	}
	hourAgo := now.Add(-time.Hour)
	recent, err := a.store.CountAuditLogs(ctx, store.AuditLogFilter{
		UserID:          userID,
		ExcludeEntities: pipelineEntities,
		Since:           hourAgo,
	})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("Recent access count unavailable")
		return false
	}
	historical, err := a.store.CountAuditLogs(ctx, store.AuditLogFilter{
		UserID:          userID,
		ExcludeEntities: pipelineEntities,
		Since:           hourAgo.AddDate(0, 0, -accessBaselineDays),
		Until:           hourAgo,
	})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("Access baseline unavailable")
		return false
	}
	if historical == 0 {
		return false
	}
	avg := float64(historical) / float64(accessBaselineDays*24)
	return float64(recent) > avg*spikeFactor
}

// isFirstAccess reports whether the user has no audit history on entity.
func (a *Analyzer) isFirstAccess(ctx context.Context, userID, entity string, now time.Time) bool {
	if userID == "" {
		return true
	}
	n, err := a.store.CountAuditLogs(ctx, store.AuditLogFilter{
		UserID:   userID,
		Entities: []string{entity},
		Until:    now,
	})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("Entity access history unavailable")
		return false
	}
	return n == 0
}
