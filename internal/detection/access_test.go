// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package detection

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/tomtom215/shelfwatch/internal/audit"
	"github.com/tomtom215/shelfwatch/internal/models"
)

func (f *fixture) saveAudit(t *testing.T, userID, action, entity string, at time.Time) {
	t.Helper()
	err := f.st.CreateAuditLog(context.Background(), &models.AuditLogEntry{
		ID:        fmt.Sprintf("%s-%s-%d", userID, entity, at.UnixNano()),
		UserID:    userID,
		Action:    action,
		Entity:    entity,
		Result:    models.ResultSuccess,
		RiskLevel: models.RiskLow,
		CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("CreateAuditLog() error = %v", err)
	}
}

func TestDetectAnomalousDataAccess(t *testing.T) {
	ctx := context.Background()

	t.Run("ordinary access", func(t *testing.T) {
		f := newFixture(t)
		got := f.analyzer.DetectAnomalousDataAccess(ctx, "u1", "Book", "read", AccessOptions{})
		if got.IsAnomalous || got.RiskScore != 0 {
			t.Errorf("analysis = %+v", got)
		}
		if len(f.recorder.ofType(models.EventDataAccessViolation)) != 0 {
			t.Error("event recorded for ordinary access")
		}
	})

	t.Run("off hours", func(t *testing.T) {
		f := newFixture(t)
		f.clock.Advance(4 * 24 * time.Hour) // Saturday noon
		got := f.analyzer.DetectAnomalousDataAccess(ctx, "u1", "Book", "read", AccessOptions{})
		if !hasString(got.Anomalies, AnomalyOffHours) || got.RiskScore != scoreOffHours {
			t.Errorf("analysis = %+v", got)
		}
	})

	t.Run("bulk export", func(t *testing.T) {
		f := newFixture(t)
		got := f.analyzer.DetectAnomalousDataAccess(ctx, "u1", "Book", "export", AccessOptions{RecordCount: 1001})
		if !hasString(got.Anomalies, AnomalyBulkExport) || got.RiskScore != scoreBulkExport {
			t.Errorf("analysis = %+v", got)
		}
		small := f.analyzer.DetectAnomalousDataAccess(ctx, "u1", "Book", "export", AccessOptions{RecordCount: 1000})
		if small.IsAnomalous {
			t.Errorf("1000 records flagged: %+v", small)
		}
	})

	t.Run("first sensitive access", func(t *testing.T) {
		f := newFixture(t)
		got := f.analyzer.DetectAnomalousDataAccess(ctx, "u1", "User", "read", AccessOptions{IPAddress: "203.0.113.4"})
		if got.RiskScore != scoreSensitiveEntity+scoreFirstSensitive {
			t.Errorf("score = %.0f, want %d", got.RiskScore, scoreSensitiveEntity+scoreFirstSensitive)
		}
		evs := f.recorder.ofType(models.EventDataAccessViolation)
		if len(evs) != 1 || evs[0].UserID != "u1" || evs[0].IPAddress != "203.0.113.4" {
			t.Errorf("events = %+v", evs)
		}
	})

	t.Run("repeat sensitive access", func(t *testing.T) {
		f := newFixture(t)
		f.saveAudit(t, "u1", "read", "Review", testNow.Add(-72*time.Hour))
		got := f.analyzer.DetectAnomalousDataAccess(ctx, "u1", "Review", "read", AccessOptions{})
		if got.RiskScore != scoreSensitiveEntity || hasString(got.Anomalies, AnomalyFirstSensitive) {
			t.Errorf("analysis = %+v", got)
		}
	})

	t.Run("frequency spike", func(t *testing.T) {
		f := newFixture(t)
		for day := 1; day <= 30; day++ {
			f.saveAudit(t, "u2", "read", "Book", testNow.Add(-time.Duration(day)*24*time.Hour))
		}
		f.saveAudit(t, "u2", "read", "Book", testNow.Add(-10*time.Minute))
		got := f.analyzer.DetectAnomalousDataAccess(ctx, "u2", "Book", "read", AccessOptions{})
		if !hasString(got.Anomalies, AnomalyFrequencySpike) {
			t.Errorf("anomalies = %v, want spike", got.Anomalies)
		}
	})

	t.Run("violation entries are not activity", func(t *testing.T) {
		f := newFixture(t)
		for day := 1; day <= 30; day++ {
			f.saveAudit(t, "u4", "read", "Book", testNow.Add(-time.Duration(day)*24*time.Hour))
		}
		for i := 1; i <= 3; i++ {
			f.saveAudit(t, "u4", models.EventDataAccessViolation, audit.SecurityEntity, testNow.Add(-time.Duration(i)*time.Minute))
		}
		f.saveAudit(t, "u4", "config_reload", audit.SystemEntity, testNow.Add(-5*time.Minute))
		got := f.analyzer.DetectAnomalousDataAccess(ctx, "u4", "Book", "read", AccessOptions{})
		if hasString(got.Anomalies, AnomalyFrequencySpike) {
			t.Errorf("anomalies = %v, pipeline entries counted as accesses", got.Anomalies)
		}
	})

	t.Run("no baseline no spike", func(t *testing.T) {
		f := newFixture(t)
		f.saveAudit(t, "u3", "read", "Book", testNow.Add(-10*time.Minute))
		got := f.analyzer.DetectAnomalousDataAccess(ctx, "u3", "Book", "read", AccessOptions{})
		if hasString(got.Anomalies, AnomalyFrequencySpike) {
			t.Errorf("anomalies = %v", got.Anomalies)
		}
	})
}

func TestIsBusinessHours(t *testing.T) {
	tests := []struct {
		at   time.Time
		want bool
	}{
		{time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC), true},
		{time.Date(2026, 3, 10, 17, 59, 0, 0, time.UTC), true},
		{time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC), false},
		{time.Date(2026, 3, 10, 7, 59, 0, 0, time.UTC), false},
		{time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC), false}, // Sunday
	}
	for _, tt := range tests {
		if got := isBusinessHours(tt.at); got != tt.want {
			t.Errorf("isBusinessHours(%s) = %v, want %v", tt.at, got, tt.want)
		}
	}
}
