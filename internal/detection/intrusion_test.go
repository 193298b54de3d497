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

	"github.com/tomtom215/shelfwatch/internal/events"
	"github.com/tomtom215/shelfwatch/internal/models"
)

func (f *fixture) aggregator() *IntrusionAggregator {
	return NewIntrusionAggregator(f.st, f.recorder, f.bus, IntrusionConfig{Interval: time.Minute}, WithClock(f.clock))
}

func (f *fixture) saveConfigChanges(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		f.saveAudit(t, "adm", "update", "SystemConfig", testNow.Add(-time.Duration(i+1)*time.Hour))
	}
}

func TestIntrusionDistributedBruteForce(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 6; i++ {
		f.saveAttempt(t, models.LoginAttempt{
			Username:  "victim",
			IPAddress: fmt.Sprintf("198.51.100.%d", i+1),
			CreatedAt: testNow.Add(-time.Duration(i+1) * time.Minute),
		})
	}

	report := f.aggregator().Scan(context.Background())
	if len(report.Patterns) != 1 {
		t.Fatalf("patterns = %+v", report.Patterns)
	}
	p := report.Patterns[0]
	if p.Type != PatternDistributedBruteForce || p.Subject != "victim" || p.Count != 6 {
		t.Errorf("pattern = %+v", p)
	}
	if report.Score != scorePerAttackedUser || report.Severity != "" || report.EventID != "" {
		t.Errorf("report = %+v, want score 10 without event", report)
	}
}

func TestIntrusionFiveAddressesIsNotDistributed(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.saveAttempt(t, models.LoginAttempt{
			Username:  "victim",
			IPAddress: fmt.Sprintf("198.51.100.%d", i+1),
			CreatedAt: testNow.Add(-time.Minute),
		})
	}
	if report := f.aggregator().Scan(context.Background()); len(report.Patterns) != 0 {
		t.Errorf("patterns = %+v", report.Patterns)
	}
}

func TestIntrusionSeverityBands(t *testing.T) {
	tests := []struct {
		changes      int
		wantScore    float64
		wantSeverity models.Severity
		wantCritical bool
	}{
		{2, 40, "", false},
		{3, 60, models.SeverityHigh, false},
		{6, 120, models.SeverityCritical, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d changes", tt.changes), func(t *testing.T) {
			f := newFixture(t)
			f.saveConfigChanges(t, tt.changes)

			report := f.aggregator().Scan(context.Background())
			if report.Score != tt.wantScore || report.Severity != tt.wantSeverity {
				t.Errorf("score=%.0f severity=%q, want %.0f %q", report.Score, report.Severity, tt.wantScore, tt.wantSeverity)
			}
			recorded := f.recorder.ofType(models.EventIntrusionDetected)
			if wantEvent := tt.wantSeverity != ""; wantEvent != (len(recorded) == 1) {
				t.Errorf("recorded %d intrusion events", len(recorded))
			}
			published := f.bus.get(events.TopicCriticalThreat)
			if tt.wantCritical != (len(published) == 1) {
				t.Fatalf("published %d critical threats", len(published))
			}
			if tt.wantCritical {
				ct, ok := published[0].(events.CriticalThreat)
				if !ok || ct.EventID != report.EventID || ct.Score != 120 || len(ct.Patterns) != 1 {
					t.Errorf("critical threat = %+v", published[0])
				}
			}
		})
	}
}

func TestIntrusionIgnoresOldConfigChanges(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 6; i++ {
		f.saveAudit(t, "adm", "update", "Role", testNow.Add(-25*time.Hour-time.Duration(i)*time.Minute))
	}
	if report := f.aggregator().Scan(context.Background()); report.Score != 0 {
		t.Errorf("score = %.0f, want 0", report.Score)
	}
}

func TestIntrusionRunScansOnTick(t *testing.T) {
	f := newFixture(t)
	f.saveConfigChanges(t, 6)
	g := f.aggregator()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	if err := f.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for len(f.recorder.ofType(models.EventIntrusionDetected)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no scan after tick")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
