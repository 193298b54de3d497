// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package detection

import (
	"context"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tomtom215/shelfwatch/internal/events"
	"github.com/tomtom215/shelfwatch/internal/logging"
	"github.com/tomtom215/shelfwatch/internal/metrics"
	"github.com/tomtom215/shelfwatch/internal/models"
	"github.com/tomtom215/shelfwatch/internal/store"
)

// Intrusion pattern types.
const (
	PatternDistributedBruteForce = "distributed_brute_force"
	PatternEscalationBurst       = "privilege_escalation_burst"
	PatternBulkDataAccess        = "bulk_data_access"
	PatternConfigChanges         = "sensitive_config_changes"
)

// Intrusion scoring weights and thresholds.
const (
	distributedIPThreshold = 5
	scorePerAttackedUser   = 10

	escalationBurstThreshold = 5
	scoreEscalationBurst     = 30

	bulkAccessThreshold = 100
	scorePerBulkGroup   = 15

	scorePerConfigChange = 20

	intrusionHighScore     = 50
	intrusionCriticalScore = 100
)

var (
	bulkAccessActions    = []string{"read", "view", "export"}
	configChangeActions  = []string{"create", "update", "delete"}
	configChangeEntities = []string{"SystemConfig", "Permission", "Role"}
)

// IntrusionConfig configures the aggregator.
type IntrusionConfig struct {
	Interval time.Duration `koanf:"interval" validate:"gt=0"`
}

// DefaultIntrusionConfig returns sensible defaults.
func DefaultIntrusionConfig() IntrusionConfig {
	return IntrusionConfig{Interval: 5 * time.Minute}
}

// IntrusionReport is the outcome of one scan.
type IntrusionReport struct {
	Score    float64                 `json:"score"`
	Patterns []events.PatternSummary `json:"patterns"`
	Severity models.Severity         `json:"severity,omitempty"`
	EventID  string                  `json:"event_id,omitempty"`
	At       time.Time               `json:"at"`
}

// IntrusionAggregator periodically combines several weak signals from the
// persisted telemetry into a single intrusion score.
type IntrusionAggregator struct {
	store    Store
	recorder EventRecorder
	bus      events.Publisher
	cfg      IntrusionConfig
	clock    clockwork.Clock
}

// NewIntrusionAggregator creates an aggregator. bus may be nil.
func NewIntrusionAggregator(st Store, recorder EventRecorder, bus events.Publisher, cfg IntrusionConfig, opts ...Option) *IntrusionAggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultIntrusionConfig().Interval
	}
	o := applyOptions(opts)
	return &IntrusionAggregator{
		store:    st,
		recorder: recorder,
		bus:      bus,
		cfg:      cfg,
		clock:    o.clock,
	}
}

// Scan runs one composite scan. Above 50 it records an intrusion event;
// above 100 the event is critical and critical_threat is published.
func (g *IntrusionAggregator) Scan(ctx context.Context) IntrusionReport {
	now := g.clock.Now().UTC()
	report := IntrusionReport{Patterns: []events.PatternSummary{}, At: now}
	hourAgo := now.Add(-time.Hour)

	for _, p := range g.distributedBruteForce(ctx, hourAgo) {
		report.add(p)
	}
	if p, ok := g.escalationBurst(ctx, hourAgo); ok {
		report.add(p)
	}
	for _, p := range g.bulkDataAccess(ctx, hourAgo) {
		report.add(p)
	}
	if p, ok := g.configChanges(ctx, now.Add(-24*time.Hour)); ok {
		report.add(p)
	}

	metrics.ObserveThreatScore("intrusion", report.Score)

	if report.Score <= intrusionHighScore {
		return report
	}
	report.Severity = models.SeverityHigh
	if report.Score > intrusionCriticalScore {
		report.Severity = models.SeverityCritical
	}

	logging.Ctx(ctx).Warn().Float64("score", report.Score).Int("patterns", len(report.Patterns)).
		Str("severity", string(report.Severity)).Msg("Intrusion patterns detected")

	report.EventID = recordEvent(ctx, g.recorder, &models.SecurityEvent{
		EventType: models.EventIntrusionDetected,
		Severity:  report.Severity,
		EventData: mustJSON(map[string]any{"patterns": report.Patterns}),
		RiskScore: report.Score,
	})

	if report.Severity == models.SeverityCritical {
		publish(ctx, g.bus, events.TopicCriticalThreat, events.CriticalThreat{
			EventID:  report.EventID,
			Score:    report.Score,
			Patterns: report.Patterns,
			At:       now,
		})
	}
	return report
}

func (r *IntrusionReport) add(p events.PatternSummary) {
	r.Patterns = append(r.Patterns, p)
	r.Score += p.Score
}

// distributedBruteForce finds usernames failing from more than five
// distinct addresses.
func (g *IntrusionAggregator) distributedBruteForce(ctx context.Context, since time.Time) []events.PatternSummary {
	groups, err := g.store.GroupLoginAttempts(ctx,
		store.LoginAttemptFilter{Success: store.Bool(false), Since: since},
		store.GroupSpec{Fields: []string{"username"}, CountDistinct: "ip_address", MoreThan: distributedIPThreshold},
	)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("Distributed brute force scan failed")
		return nil
	}
	out := make([]events.PatternSummary, 0, len(groups))
	for _, grp := range groups {
		out = append(out, events.PatternSummary{
			Type:    PatternDistributedBruteForce,
			Subject: grp.Key(),
			Count:   grp.Count,
			Score:   scorePerAttackedUser,
		})
	}
	return out
}

func (g *IntrusionAggregator) escalationBurst(ctx context.Context, since time.Time) (events.PatternSummary, bool) {
	n, err := g.store.CountSecurityEvents(ctx, store.SecurityEventFilter{
		EventTypes: []string{models.EventPrivilegeEscalation},
		Since:      since,
	})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("Escalation burst scan failed")
		return events.PatternSummary{}, false
	}
	if n <= escalationBurstThreshold {
		return events.PatternSummary{}, false
	}
	return events.PatternSummary{Type: PatternEscalationBurst, Count: n, Score: scoreEscalationBurst}, true
}

// bulkDataAccess finds (user, entity) pairs read or exported more than 100
// times.
func (g *IntrusionAggregator) bulkDataAccess(ctx context.Context, since time.Time) []events.PatternSummary {
	groups, err := g.store.GroupAuditLogs(ctx,
		store.AuditLogFilter{Actions: bulkAccessActions, Since: since},
		store.GroupSpec{Fields: []string{"user_id", "entity"}, MoreThan: bulkAccessThreshold},
	)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("Bulk access scan failed")
		return nil
	}
	out := make([]events.PatternSummary, 0, len(groups))
	for _, grp := range groups {
		out = append(out, events.PatternSummary{
			Type:    PatternBulkDataAccess,
			Subject: strings.Join(grp.Keys, "/"),
			Count:   grp.Count,
			Score:   scorePerBulkGroup,
		})
	}
	return out
}

func (g *IntrusionAggregator) configChanges(ctx context.Context, since time.Time) (events.PatternSummary, bool) {
	n, err := g.store.CountAuditLogs(ctx, store.AuditLogFilter{
		Actions:  configChangeActions,
		Entities: configChangeEntities,
		Since:    since,
	})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("Configuration change scan failed")
		return events.PatternSummary{}, false
	}
	if n == 0 {
		return events.PatternSummary{}, false
	}
	return events.PatternSummary{
		Type:  PatternConfigChanges,
		Count: n,
		Score: float64(n * scorePerConfigChange),
	}, true
}

// Run scans every Interval until ctx is cancelled.
func (g *IntrusionAggregator) Run(ctx context.Context) error {
	ticker := g.clock.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	logging.Info().Dur("interval", g.cfg.Interval).Msg("Intrusion aggregator started")
	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Intrusion aggregator stopped")
			return nil
		case <-ticker.Chan():
			g.Scan(logging.ContextWithNewCorrelationID(ctx))
		}
	}
}

// Serve implements suture.Service.
func (g *IntrusionAggregator) Serve(ctx context.Context) error { return g.Run(ctx) }

// String implements fmt.Stringer for suture logging.
func (g *IntrusionAggregator) String() string { return "intrusion-aggregator" }
