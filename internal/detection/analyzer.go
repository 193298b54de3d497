// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package detection

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"

	"github.com/tomtom215/shelfwatch/internal/events"
	"github.com/tomtom215/shelfwatch/internal/logging"
	"github.com/tomtom215/shelfwatch/internal/metrics"
	"github.com/tomtom215/shelfwatch/internal/models"
	"github.com/tomtom215/shelfwatch/internal/risk"
	"github.com/tomtom215/shelfwatch/internal/store"
)

// Login scoring weights.
const (
	scoreGeoAnomaly       = 30
	scoreImpossibleTravel = 80
	scoreBruteForce       = 70
	scoreRepeatedFailures = 30
	scoreNewDevice        = 20
	scoreSuspiciousAgent  = 25
	scoreUnusualTime      = 15

	// suspiciousLoginScore is the aggregate above which an event is recorded
	// even without a named threat.
	suspiciousLoginScore = 50

	// failureWarningRatio of the brute-force threshold adds a warning score.
	failureWarningRatio = 0.6

	historyLimit = 500
)

// AnalyzerConfig configures the Analyzer.
type AnalyzerConfig struct {
	// TimeZone is the IANA zone used for time-of-day checks. Empty means the
	// process local zone.
	TimeZone string `koanf:"timezone"`

	// SuspiciousAgents are case-insensitive substrings of automation clients.
	SuspiciousAgents []string `koanf:"suspicious_agents"`

	// Permissions selects the casbin policy. Ignored with WithPermissionChecker.
	Permissions PermissionConfig `koanf:"permissions"`
}

// DefaultAnalyzerConfig returns sensible defaults.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		SuspiciousAgents: []string{
			"bot", "crawler", "spider", "scraper", "curl", "wget", "python", "java",
		},
	}
}

// Analyzer scores logins, data access and privilege use. Every method is
// fail-open: store errors are logged and the affected check contributes
// nothing.
type Analyzer struct {
	store       Store
	recorder    EventRecorder
	bus         events.Publisher
	rules       map[string]ThreatRule
	agents      []string
	zone        *time.Location
	clock       clockwork.Clock
	geo         GeoResolver
	permissions *PermissionChecker
	registry    *IPRegistry
}

// NewAnalyzer creates an Analyzer. bus may be nil.
func NewAnalyzer(st Store, recorder EventRecorder, bus events.Publisher, cfg AnalyzerConfig, opts ...Option) (*Analyzer, error) {
	o := applyOptions(opts)

	zone := time.Local
	if cfg.TimeZone != "" {
		z, err := time.LoadLocation(cfg.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("invalid analyzer timezone %q: %w", cfg.TimeZone, err)
		}
		zone = z
	}

	if len(cfg.SuspiciousAgents) == 0 {
		cfg.SuspiciousAgents = DefaultAnalyzerConfig().SuspiciousAgents
	}
	agents := make([]string, len(cfg.SuspiciousAgents))
	for i, a := range cfg.SuspiciousAgents {
		agents[i] = strings.ToLower(a)
	}

	perms := o.permissions
	if perms == nil {
		p, err := NewPermissionChecker(cfg.Permissions)
		if err != nil {
			return nil, err
		}
		perms = p
	}

	registry := o.registry
	if registry == nil {
		registry, _ = NewIPRegistry(nil)
	}

	return &Analyzer{
		store:       st,
		recorder:    recorder,
		bus:         bus,
		rules:       DefaultThreatRules(),
		agents:      agents,
		zone:        zone,
		clock:       o.clock,
		geo:         o.geo,
		permissions: perms,
		registry:    registry,
	}, nil
}

// Rules returns a copy of the loaded threat rules.
func (a *Analyzer) Rules() map[string]ThreatRule {
	return maps.Clone(a.rules)
}

// Registry returns the address registry.
func (a *Analyzer) Registry() *IPRegistry {
	return a.registry
}

// AnalyzeLoginAttempt scores a login attempt. Attempts from whitelisted
// addresses are not analyzed.
func (a *Analyzer) AnalyzeLoginAttempt(ctx context.Context, attempt models.LoginAttempt) LoginAnalysis {
	if a.registry.IsWhitelisted(attempt.IPAddress) {
		return LoginAnalysis{Threats: []string{}}
	}
	at := attempt.CreatedAt
	if at.IsZero() {
		at = a.clock.Now()
	}

	result := LoginAnalysis{Threats: []string{}}
	add := func(score float64, threat string) {
		result.RiskScore += score
		if threat != "" {
			result.Threats = append(result.Threats, threat)
		}
	}

	result.Location = a.resolveLocation(ctx, attempt)
	if score, threat := a.checkGeolocation(ctx, attempt, result.Location, at); score > 0 {
		add(score, threat)
	}

	failures := a.countRecentFailures(ctx, attempt, at)
	rule := a.rules[RuleBruteForceLogin]
	switch {
	case failures >= rule.Threshold:
		add(scoreBruteForce, ThreatBruteForce)
		result.ShouldBlock = true
		result.IsBruteForce = true
	case float64(failures) >= float64(rule.Threshold)*failureWarningRatio:
		add(scoreRepeatedFailures, "")
	}

	if a.isNewDevice(ctx, attempt, at) {
		add(scoreNewDevice, ThreatNewDevice)
	}
	if a.isSuspiciousAgent(attempt.UserAgent) {
		add(scoreSuspiciousAgent, ThreatSuspiciousUserAgent)
	}
	if hour := at.In(a.zone).Hour(); hour < 6 || hour >= 22 {
		add(scoreUnusualTime, ThreatUnusualTime)
	}

	metrics.ObserveThreatScore("login", result.RiskScore)

	if result.IsBruteForce {
		a.recommendBlock(ctx, attempt.IPAddress, ThreatBruteForce, result.RiskScore, at)
	}
	if result.RiskScore > suspiciousLoginScore || len(result.Threats) > 0 {
		result.EventID = a.record(ctx, &models.SecurityEvent{
			EventType: models.EventSuspiciousLogin,
			EventData: mustJSON(map[string]any{
				"username":       attempt.Username,
				"threats":        result.Threats,
				"is_brute_force": result.IsBruteForce,
				"location":       result.Location,
			}),
			ContextData: mustJSON(map[string]any{
				"success":            attempt.Success,
				"device_fingerprint": attempt.DeviceFingerprint,
				"attempt_id":         attempt.ID,
			}),
			IPAddress: attempt.IPAddress,
			UserAgent: attempt.UserAgent,
			RiskScore: result.RiskScore,
		})
	}
	return result
}

// resolveLocation prefers the location already on the attempt.
func (a *Analyzer) resolveLocation(ctx context.Context, attempt models.LoginAttempt) *models.Geolocation {
	if attempt.Location != nil {
		return attempt.Location
	}
	if a.geo == nil || attempt.IPAddress == "" {
		return nil
	}
	loc, err := a.geo.Lookup(ctx, attempt.IPAddress)
	if err != nil {
		logging.Ctx(ctx).Debug().Err(err).Str("ip", attempt.IPAddress).Msg("Geolocation lookup failed")
		return nil
	}
	return loc
}

// checkGeolocation compares loc with the username's located history.
// Impossible travel short-circuits the new-location check.
func (a *Analyzer) checkGeolocation(ctx context.Context, attempt models.LoginAttempt, loc *models.Geolocation, at time.Time) (float64, string) {
	if loc == nil || (loc.RegionKey() == "" && !loc.HasCoordinates()) {
		return 0, ""
	}
	rule := a.rules[RuleSuspiciousLocation]
	history, err := a.store.FindLoginAttempts(ctx, store.LoginAttemptFilter{
		Username:        attempt.Username,
		RequireLocation: true,
		Since:           at.Add(-rule.TimeWindow),
		Until:           at,
		Limit:           historyLimit,
	})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("username", attempt.Username).Msg("Location history unavailable")
		return 0, ""
	}
	history = excludeAttempt(history, attempt.ID)

	if len(history) > 0 {
		prev := history[0]
		if prev.Location.HasCoordinates() && loc.HasCoordinates() {
			speed := impliedSpeedKmH(prev.Location, loc, at.Sub(prev.CreatedAt))
			if speed > float64(rule.Threshold) {
				return scoreImpossibleTravel, ThreatImpossibleTravel
			}
		}
	}

	key := loc.RegionKey()
	if key == "" {
		return 0, ""
	}
	for _, h := range history {
		if h.Location.RegionKey() == key {
			return 0, ""
		}
	}
	return scoreGeoAnomaly, ThreatGeoAnomaly
}

// countRecentFailures counts failed attempts from the attempt's address in
// the brute-force window, including the attempt itself when it failed.
func (a *Analyzer) countRecentFailures(ctx context.Context, attempt models.LoginAttempt, at time.Time) int {
	if attempt.IPAddress == "" {
		return 0
	}
	rule := a.rules[RuleBruteForceLogin]
	failed, err := a.store.FindLoginAttempts(ctx, store.LoginAttemptFilter{
		IPAddress: attempt.IPAddress,
		Success:   store.Bool(false),
		Since:     at.Add(-rule.TimeWindow),
		Until:     at.Add(time.Nanosecond),
	})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("ip", attempt.IPAddress).Msg("Failure history unavailable")
		return 0
	}
	n := len(excludeAttempt(failed, attempt.ID))
	if !attempt.Success {
		n++
	}
	return n
}

// isNewDevice reports whether the fingerprint is absent from the username's
// successful logins in the last 30 days.
func (a *Analyzer) isNewDevice(ctx context.Context, attempt models.LoginAttempt, at time.Time) bool {
	if attempt.DeviceFingerprint == "" {
		return false
	}
	known, err := a.store.FindLoginAttempts(ctx, store.LoginAttemptFilter{
		Username:           attempt.Username,
		Success:            store.Bool(true),
		RequireFingerprint: true,
		Since:              at.Add(-a.rules[RuleSuspiciousLocation].TimeWindow),
		Until:              at,
		Limit:              historyLimit,
	})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("username", attempt.Username).Msg("Device history unavailable")
		return false
	}
	for _, k := range excludeAttempt(known, attempt.ID) {
		if k.DeviceFingerprint == attempt.DeviceFingerprint {
			return false
		}
	}
	return true
}

func (a *Analyzer) isSuspiciousAgent(ua string) bool {
	if ua == "" {
		return false
	}
	lower := strings.ToLower(ua)
	for _, p := range a.agents {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// recommendBlock adds ip to the block list and publishes block_ip. The
// whitelist is re-checked here because it may have changed while the
// analysis waited on the store.
func (a *Analyzer) recommendBlock(ctx context.Context, ip, reason string, score float64, at time.Time) {
	rec := events.BlockRecommendation{
		IPAddress:     ip,
		Reason:        reason,
		RiskScore:     score,
		RecommendedAt: at.UTC(),
	}
	if !a.registry.Recommend(rec) {
		return
	}
	logging.Ctx(ctx).Warn().Str("ip", ip).Str("reason", reason).Float64("score", score).Msg("IP block recommended")
	publish(ctx, a.bus, events.TopicBlockIP, rec)
}

// record hands ev to the recorder and returns the stored ID, or "".
func (a *Analyzer) record(ctx context.Context, ev *models.SecurityEvent) string {
	return recordEvent(ctx, a.recorder, ev)
}

func recordEvent(ctx context.Context, recorder EventRecorder, ev *models.SecurityEvent) string {
	if recorder == nil {
		return ""
	}
	if !ev.Severity.Valid() {
		ev.Severity = risk.SeverityForScore(ev.RiskScore)
	}
	stored, err := recorder.RecordSecurityEvent(ctx, ev)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("event_type", ev.EventType).Msg("Failed to record security event")
		return ""
	}
	return stored.ID
}

func publish(ctx context.Context, bus events.Publisher, topic events.Topic, payload any) {
	if bus == nil {
		return
	}
	if err := bus.Publish(ctx, topic, payload); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("topic", string(topic)).Msg("Failed to publish detection event")
	}
}

func excludeAttempt(rows []models.LoginAttempt, id string) []models.LoginAttempt {
	if id == "" {
		return rows
	}
	out := rows[:0]
	for _, r := range rows {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

// mustJSON encodes v; encoding failures yield nil.
func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
