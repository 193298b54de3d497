// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package detection

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/tomtom215/shelfwatch/internal/events"
	"github.com/tomtom215/shelfwatch/internal/models"
)

var (
	london = &models.Geolocation{Country: "GB", Region: "ENG", City: "London", Latitude: 51.5074, Longitude: -0.1278}
	rome   = &models.Geolocation{Country: "IT", Region: "62", City: "Rome", Latitude: 41.9028, Longitude: 12.4964}
	berlin = &models.Geolocation{Country: "DE", Region: "BE", City: "Berlin", Latitude: 52.52, Longitude: 13.405}
)

const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Firefox/128.0"

func TestHaversineDistance(t *testing.T) {
	got := haversineDistance(london.Latitude, london.Longitude, rome.Latitude, rome.Longitude)
	if math.Abs(got-1434) > 10 {
		t.Errorf("London-Rome = %.0f km, want about 1434", got)
	}
	if d := haversineDistance(10, 10, 10, 10); d != 0 {
		t.Errorf("same point distance = %f", d)
	}
}

func TestAnalyzeLoginImpossibleTravel(t *testing.T) {
	f := newFixture(t)
	f.saveAttempt(t, models.LoginAttempt{
		Username: "alice", IPAddress: "203.0.113.10", Success: true,
		Location: london, CreatedAt: testNow.Add(-time.Minute),
	})

	got := f.analyzer.AnalyzeLoginAttempt(context.Background(), models.LoginAttempt{
		Username: "alice", IPAddress: "198.51.100.20", Success: true, UserAgent: browserUA,
		Location: rome, CreatedAt: testNow,
	})
	if !hasString(got.Threats, ThreatImpossibleTravel) {
		t.Fatalf("threats = %v, want impossible_travel", got.Threats)
	}
	if hasString(got.Threats, ThreatGeoAnomaly) {
		t.Error("impossible travel must short-circuit the new-location check")
	}
	if got.RiskScore < 80 {
		t.Errorf("score = %.0f, want >= 80", got.RiskScore)
	}
	if len(f.recorder.ofType(models.EventSuspiciousLogin)) != 1 || got.EventID == "" {
		t.Error("suspicious_login event not recorded")
	}
}

func TestAnalyzeLoginNewLocation(t *testing.T) {
	f := newFixture(t)
	f.saveAttempt(t, models.LoginAttempt{
		Username: "alice", IPAddress: "203.0.113.10", Success: true,
		Location: london, CreatedAt: testNow.Add(-48 * time.Hour),
	})

	got := f.analyzer.AnalyzeLoginAttempt(context.Background(), models.LoginAttempt{
		Username: "alice", IPAddress: "198.51.100.20", Success: true, UserAgent: browserUA,
		Location: berlin, CreatedAt: testNow,
	})
	if !hasString(got.Threats, ThreatGeoAnomaly) || hasString(got.Threats, ThreatImpossibleTravel) {
		t.Errorf("threats = %v, want only geo_location_anomaly", got.Threats)
	}
	if got.RiskScore != scoreGeoAnomaly {
		t.Errorf("score = %.0f, want %d", got.RiskScore, scoreGeoAnomaly)
	}

	same := f.analyzer.AnalyzeLoginAttempt(context.Background(), models.LoginAttempt{
		Username: "alice", IPAddress: "203.0.113.10", Success: true, UserAgent: browserUA,
		Location: london, CreatedAt: testNow,
	})
	if len(same.Threats) != 0 {
		t.Errorf("known location threats = %v", same.Threats)
	}
}

func TestAnalyzeLoginBruteForce(t *testing.T) {
	tests := []struct {
		name       string
		prior      int
		saveLatest bool
		wantBrute  bool
		wantScore  float64
	}{
		{"fifth attempt", 4, false, true, scoreBruteForce},
		{"fifth attempt already stored", 4, true, true, scoreBruteForce},
		{"fourth attempt", 3, false, false, scoreRepeatedFailures},
		{"second attempt", 1, false, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ip := "192.0.2.50"
			for i := 0; i < tt.prior; i++ {
				f.saveAttempt(t, models.LoginAttempt{
					Username: "bob", IPAddress: ip, CreatedAt: testNow.Add(-time.Duration(tt.prior-i) * 30 * time.Second),
				})
			}
			latest := models.LoginAttempt{ID: "latest", Username: "bob", IPAddress: ip, UserAgent: browserUA, CreatedAt: testNow}
			if tt.saveLatest {
				f.saveAttempt(t, latest)
			}

			got := f.analyzer.AnalyzeLoginAttempt(context.Background(), latest)
			if got.IsBruteForce != tt.wantBrute || got.ShouldBlock != tt.wantBrute {
				t.Errorf("brute=%v block=%v, want %v", got.IsBruteForce, got.ShouldBlock, tt.wantBrute)
			}
			if got.RiskScore != tt.wantScore {
				t.Errorf("score = %.0f, want %.0f", got.RiskScore, tt.wantScore)
			}
			if f.analyzer.Registry().IsBlocked(ip) != tt.wantBrute {
				t.Errorf("IsBlocked = %v", !tt.wantBrute)
			}
			if tt.wantBrute && len(f.bus.get(events.TopicBlockIP)) != 1 {
				t.Error("block_ip not published")
			}
		})
	}
}

func TestAnalyzeLoginOldFailuresIgnored(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 6; i++ {
		f.saveAttempt(t, models.LoginAttempt{Username: "bob", IPAddress: "192.0.2.51", CreatedAt: testNow.Add(-10 * time.Minute)})
	}
	got := f.analyzer.AnalyzeLoginAttempt(context.Background(), models.LoginAttempt{
		Username: "bob", IPAddress: "192.0.2.51", Success: true, UserAgent: browserUA, CreatedAt: testNow,
	})
	if got.IsBruteForce || got.RiskScore != 0 {
		t.Errorf("analysis = %+v, want clean", got)
	}
}

func TestAnalyzeLoginDeviceAgentAndTime(t *testing.T) {
	f := newFixture(t)
	f.saveAttempt(t, models.LoginAttempt{
		Username: "carol", IPAddress: "203.0.113.7", Success: true,
		DeviceFingerprint: "dev-a", CreatedAt: testNow.Add(-24 * time.Hour),
	})
	ctx := context.Background()

	known := f.analyzer.AnalyzeLoginAttempt(ctx, models.LoginAttempt{
		Username: "carol", IPAddress: "203.0.113.7", Success: true, UserAgent: browserUA,
		DeviceFingerprint: "dev-a", CreatedAt: testNow,
	})
	if len(known.Threats) != 0 || known.RiskScore != 0 {
		t.Errorf("known device analysis = %+v", known)
	}

	got := f.analyzer.AnalyzeLoginAttempt(ctx, models.LoginAttempt{
		Username: "carol", IPAddress: "203.0.113.7", Success: true, UserAgent: "python-requests/2.31",
		DeviceFingerprint: "dev-b", CreatedAt: time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC),
	})
	for _, want := range []string{ThreatNewDevice, ThreatSuspiciousUserAgent, ThreatUnusualTime} {
		if !hasString(got.Threats, want) {
			t.Errorf("threats = %v, missing %s", got.Threats, want)
		}
	}
	if want := float64(scoreNewDevice + scoreSuspiciousAgent + scoreUnusualTime); got.RiskScore != want {
		t.Errorf("score = %.0f, want %.0f", got.RiskScore, want)
	}
}

func TestAnalyzeLoginWhitelisted(t *testing.T) {
	registry, err := NewIPRegistry([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, WithIPRegistry(registry))
	for i := 0; i < 6; i++ {
		f.saveAttempt(t, models.LoginAttempt{Username: "dave", IPAddress: "10.1.2.3", CreatedAt: testNow})
	}
	got := f.analyzer.AnalyzeLoginAttempt(context.Background(), models.LoginAttempt{
		Username: "dave", IPAddress: "10.1.2.3", UserAgent: "curl/8.0", CreatedAt: testNow,
	})
	if got.RiskScore != 0 || got.IsBruteForce || len(got.Threats) != 0 {
		t.Errorf("whitelisted analysis = %+v", got)
	}
	if len(f.recorder.ofType(models.EventSuspiciousLogin)) != 0 {
		t.Error("event recorded for whitelisted address")
	}
}

func TestAnalyzeLoginCleanRecordsNothing(t *testing.T) {
	f := newFixture(t)
	got := f.analyzer.AnalyzeLoginAttempt(context.Background(), models.LoginAttempt{
		Username: "erin", IPAddress: "203.0.113.8", Success: true, UserAgent: browserUA, CreatedAt: testNow,
	})
	if got.RiskScore != 0 || len(got.Threats) != 0 || got.EventID != "" {
		t.Errorf("analysis = %+v", got)
	}
}

type stubResolver struct {
	loc   *models.Geolocation
	err   error
	calls int
}

func (s *stubResolver) Lookup(context.Context, string) (*models.Geolocation, error) {
	s.calls++
	return s.loc, s.err
}

func TestAnalyzeLoginResolvesLocation(t *testing.T) {
	resolver := &stubResolver{loc: berlin}
	f := newFixture(t, WithGeoResolver(NewCachedResolver(resolver, 8, time.Minute)))

	attempt := models.LoginAttempt{Username: "frank", IPAddress: "198.51.100.1", Success: true, UserAgent: browserUA, CreatedAt: testNow}
	got := f.analyzer.AnalyzeLoginAttempt(context.Background(), attempt)
	if got.Location == nil || got.Location.Country != "DE" {
		t.Fatalf("location = %+v", got.Location)
	}
	f.analyzer.AnalyzeLoginAttempt(context.Background(), attempt)
	if resolver.calls != 1 {
		t.Errorf("resolver calls = %d, want 1 (cached)", resolver.calls)
	}

	attempt.Location = london
	got = f.analyzer.AnalyzeLoginAttempt(context.Background(), attempt)
	if got.Location.Country != "GB" {
		t.Errorf("attempt location should win, got %+v", got.Location)
	}
}

func TestCachedResolverDoesNotCacheErrors(t *testing.T) {
	resolver := &stubResolver{err: errors.New("db closed")}
	c := NewCachedResolver(resolver, 8, time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := c.Lookup(context.Background(), "198.51.100.1"); err == nil {
			t.Fatal("Lookup() error = nil")
		}
	}
	if resolver.calls != 2 {
		t.Errorf("calls = %d, want 2", resolver.calls)
	}
}

func TestDefaultThreatRules(t *testing.T) {
	rules := DefaultThreatRules()
	bf, ok := rules[RuleBruteForceLogin]
	if !ok || bf.Threshold != 5 || bf.TimeWindow != 300*time.Second {
		t.Errorf("brute force rule = %+v", bf)
	}
	f := newFixture(t)
	copied := f.analyzer.Rules()
	delete(copied, RuleBruteForceLogin)
	if _, ok := f.analyzer.Rules()[RuleBruteForceLogin]; !ok {
		t.Error("Rules() exposes internal map")
	}
}
