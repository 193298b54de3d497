// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package reporting

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/shelfwatch/internal/models"
	"github.com/tomtom215/shelfwatch/internal/store"
)

// SecurityStatistics summarizes a trailing window.
type SecurityStatistics struct {
	Hours            int              `json:"hours"`
	Since            time.Time        `json:"since"`
	TotalEvents      int64            `json:"total_events"`
	BySeverity       map[string]int64 `json:"by_severity"`
	ByType           map[string]int64 `json:"by_type"`
	FailedLogins     int64            `json:"failed_logins"`
	SuccessfulLogins int64            `json:"successful_logins"`
	HighRiskEntries  int64            `json:"high_risk_entries"`
}

// TrendPoint is one (day, key) count of a trend series.
type TrendPoint struct {
	Day   time.Time `json:"day"`
	Key   string    `json:"key"`
	Count int64     `json:"count"`
}

// IPCount is an address with its failed-login count.
type IPCount struct {
	IPAddress string `json:"ip_address"`
	Failures  int64  `json:"failures"`
}

// GetSecurityStatistics counts security events by severity and type, login
// outcomes, and high/critical audit entries over the last hours.
func (s *Service) GetSecurityStatistics(ctx context.Context, hours int) (SecurityStatistics, error) {
	if hours <= 0 {
		hours = 24
	}
	since := s.since(time.Duration(hours) * time.Hour)
	stats := SecurityStatistics{
		Hours:      hours,
		Since:      since,
		BySeverity: map[string]int64{},
		ByType:     map[string]int64{},
	}

	var errs []error
	eventFilter := store.SecurityEventFilter{Since: since}

	bySeverity, err := s.store.GroupSecurityEvents(ctx, eventFilter, store.GroupSpec{Fields: []string{"severity"}})
	errs = append(errs, err)
	for _, g := range bySeverity {
		stats.BySeverity[g.Key()] = g.Count
		stats.TotalEvents += g.Count
	}

	byType, err := s.store.GroupSecurityEvents(ctx, eventFilter, store.GroupSpec{Fields: []string{"event_type"}})
	errs = append(errs, err)
	for _, g := range byType {
		stats.ByType[g.Key()] = g.Count
	}

	stats.FailedLogins, err = s.store.CountLoginAttempts(ctx, store.LoginAttemptFilter{Success: store.Bool(false), Since: since})
	errs = append(errs, err)
	stats.SuccessfulLogins, err = s.store.CountLoginAttempts(ctx, store.LoginAttemptFilter{Success: store.Bool(true), Since: since})
	errs = append(errs, err)

	stats.HighRiskEntries, err = s.store.CountAuditLogs(ctx, store.AuditLogFilter{
		RiskLevels:            []models.RiskLevel{models.RiskHigh, models.RiskCritical},
		ExcludeComplianceFlag: models.FlagReportGeneration,
		Since:                 since,
	})
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return stats, s.fail(ctx, "security statistics", err)
	}
	return stats, nil
}

// GetThreatTrends returns daily security event counts per event type.
func (s *Service) GetThreatTrends(ctx context.Context, days int) ([]TrendPoint, error) {
	groups, err := s.store.GroupSecurityEvents(ctx,
		store.SecurityEventFilter{Since: s.since(dayWindow(days))},
		store.GroupSpec{Fields: []string{"event_type"}, Bucket: store.BucketDay},
	)
	if err != nil {
		return []TrendPoint{}, s.fail(ctx, "threat trends", err)
	}
	return trendPoints(groups), nil
}

// TrendOption adjusts GetOperationTrends.
type TrendOption func(*store.AuditLogFilter)

// ExcludeReportGeneration leaves compliance report self-log entries out of
// the counts.
func ExcludeReportGeneration() TrendOption {
	return func(f *store.AuditLogFilter) {
		f.ExcludeComplianceFlag = models.FlagReportGeneration
	}
}

// GetOperationTrends returns daily audit entry counts per action.
func (s *Service) GetOperationTrends(ctx context.Context, days int, opts ...TrendOption) ([]TrendPoint, error) {
	filter := store.AuditLogFilter{Since: s.since(dayWindow(days))}
	for _, opt := range opts {
		opt(&filter)
	}
	groups, err := s.store.GroupAuditLogs(ctx, filter,
		store.GroupSpec{Fields: []string{"action"}, Bucket: store.BucketDay},
	)
	if err != nil {
		return []TrendPoint{}, s.fail(ctx, "operation trends", err)
	}
	return trendPoints(groups), nil
}

// GetSuspiciousIPs returns the addresses with the most failed logins over
// the last hours, most failures first.
func (s *Service) GetSuspiciousIPs(ctx context.Context, hours, limit int) ([]IPCount, error) {
	if hours <= 0 {
		hours = 24
	}
	if limit <= 0 {
		limit = 10
	}
	groups, err := s.store.GroupLoginAttempts(ctx,
		store.LoginAttemptFilter{Success: store.Bool(false), Since: s.since(time.Duration(hours) * time.Hour)},
		store.GroupSpec{Fields: []string{"ip_address"}, Limit: min(limit, MaxLimit)},
	)
	if err != nil {
		return []IPCount{}, s.fail(ctx, "suspicious addresses", err)
	}
	out := make([]IPCount, 0, len(groups))
	for _, g := range groups {
		out = append(out, IPCount{IPAddress: g.Key(), Failures: g.Count})
	}
	return out, nil
}

func dayWindow(days int) time.Duration {
	if days <= 0 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}

func trendPoints(groups []store.GroupCount) []TrendPoint {
	out := make([]TrendPoint, 0, len(groups))
	for _, g := range groups {
		out = append(out, TrendPoint{Day: g.Bucket, Key: g.Key(), Count: g.Count})
	}
	return out
}
