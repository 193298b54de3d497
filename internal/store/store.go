// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

// Package store defines the persistence contract of the telemetry pipeline
// and its implementations: MemoryStore for tests and embedded use,
// DuckDBStore for durable storage, and BreakerStore which wraps either one
// in a circuit breaker.
//
// Four collections are exposed: audit_logs, security_events, login_attempts
// and users. Audit rows are append-only; the only removal path is
// DeleteAuditLogs, driven by retention.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/shelfwatch/internal/models"
)

var (
	// ErrNotFound is returned by point lookups that match no row.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidGroupField is returned when a GroupSpec names a column that
	// the collection does not allow grouping on.
	ErrInvalidGroupField = errors.New("invalid group field")
)

// AuditLogStore persists audit entries.
type AuditLogStore interface {
	CreateAuditLog(ctx context.Context, entry *models.AuditLogEntry) error
	// CreateAuditLogs inserts all entries atomically: either every entry is
	// stored or none is.
	CreateAuditLogs(ctx context.Context, entries []*models.AuditLogEntry) error
	FindAuditLogs(ctx context.Context, filter AuditLogFilter) ([]models.AuditLogEntry, error)
	CountAuditLogs(ctx context.Context, filter AuditLogFilter) (int64, error)
	GroupAuditLogs(ctx context.Context, filter AuditLogFilter, spec GroupSpec) ([]GroupCount, error)
	DeleteAuditLogs(ctx context.Context, cutoffs RetentionCutoffs) (int64, error)
}

// SecurityEventStore persists security events.
type SecurityEventStore interface {
	CreateSecurityEvent(ctx context.Context, event *models.SecurityEvent) error
	GetSecurityEvent(ctx context.Context, id string) (*models.SecurityEvent, error)
	FindSecurityEvents(ctx context.Context, filter SecurityEventFilter) ([]models.SecurityEvent, error)
	CountSecurityEvents(ctx context.Context, filter SecurityEventFilter) (int64, error)
	GroupSecurityEvents(ctx context.Context, filter SecurityEventFilter, spec GroupSpec) ([]GroupCount, error)
}

// LoginAttemptStore gives access to login attempts written by the
// authentication flow.
type LoginAttemptStore interface {
	CreateLoginAttempt(ctx context.Context, attempt *models.LoginAttempt) error
	FindLoginAttempts(ctx context.Context, filter LoginAttemptFilter) ([]models.LoginAttempt, error)
	CountLoginAttempts(ctx context.Context, filter LoginAttemptFilter) (int64, error)
	GroupLoginAttempts(ctx context.Context, filter LoginAttemptFilter, spec GroupSpec) ([]GroupCount, error)
}

// UserStore resolves actors. The pipeline only reads users; SaveUser exists
// for seeding and tests.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	SaveUser(ctx context.Context, user *models.User) error
}

// Store is the full persistence contract.
type Store interface {
	AuditLogStore
	SecurityEventStore
	LoginAttemptStore
	UserStore
	Close() error
}

// AuditLogFilter selects audit entries. Zero-valued fields do not filter.
// Since is inclusive and Until exclusive. Results are ordered newest first
// unless Ascending is set.
type AuditLogFilter struct {
	UserID     string
	Actions    []string
	Entities   []string
	EntityID   string
	RiskLevels []models.RiskLevel
	Result     models.Result
	IPAddress  string
	// ExcludeEntities drops entries on any of these entities.
	ExcludeEntities []string
	// Keyword matches case-insensitively against description, action or entity.
	Keyword string
	// ExcludeComplianceFlag drops entries carrying this compliance flag.
	ExcludeComplianceFlag string
	Since                 time.Time
	Until                 time.Time
	Limit                 int
	Offset                int
	Ascending             bool
}

// SecurityEventFilter selects security events.
type SecurityEventFilter struct {
	EventTypes []string
	Severities []models.Severity
	UserID     string
	IPAddress  string
	// Keyword matches case-insensitively against event type, IP address or user agent.
	Keyword   string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
	Ascending bool
}

// LoginAttemptFilter selects login attempts.
type LoginAttemptFilter struct {
	Username  string
	IPAddress string
	Success   *bool
	// Keyword matches case-insensitively against username, IP address or user agent.
	Keyword            string
	RequireLocation    bool
	RequireFingerprint bool
	Since              time.Time
	Until              time.Time
	Limit              int
	Offset             int
	Ascending          bool
}

// Bucket truncates created_at for time-series grouping.
type Bucket string

const (
	BucketNone Bucket = ""
	BucketHour Bucket = "hour"
	BucketDay  Bucket = "day"
)

// GroupSpec describes a grouped count.
type GroupSpec struct {
	// Fields are column names from the collection's groupable set.
	Fields []string
	// Bucket adds a created_at time bucket to the grouping key.
	Bucket Bucket
	// CountDistinct counts distinct non-empty values of this column per
	// group instead of rows.
	CountDistinct string
	// MoreThan keeps only groups whose count is strictly greater.
	MoreThan int64
	// Limit caps the number of groups returned (0 = all).
	Limit int
}

// GroupCount is one row of a grouped count. Keys follow GroupSpec.Fields.
// Without a bucket, groups are ordered by count descending; with a bucket,
// by bucket ascending. Ties are broken by keys ascending.
type GroupCount struct {
	Keys   []string  `json:"keys"`
	Bucket time.Time `json:"bucket"`
	Count  int64     `json:"count"`
}

// Key returns the first grouping key, or "".
func (g GroupCount) Key() string {
	if len(g.Keys) == 0 {
		return ""
	}
	return g.Keys[0]
}

// RetentionCutoffs maps a risk level to the instant before which its rows
// are deleted. Levels missing from the map are never deleted.
type RetentionCutoffs map[models.RiskLevel]time.Time

// Groupable columns per collection. Both implementations validate against
// these sets.
var (
	auditGroupFields = map[string]bool{
		"user_id": true, "user_role": true, "action": true, "entity": true,
		"risk_level": true, "result": true, "ip_address": true,
	}
	securityGroupFields = map[string]bool{
		"event_type": true, "severity": true, "ip_address": true, "user_id": true,
	}
	loginGroupFields = map[string]bool{
		"username": true, "ip_address": true, "success": true,
		"device_fingerprint": true, "country": true,
	}
)

func validateGroupSpec(allowed map[string]bool, spec GroupSpec) error {
	for _, f := range spec.Fields {
		if !allowed[f] {
			return fmt.Errorf("%w: %s", ErrInvalidGroupField, f)
		}
	}
	if spec.CountDistinct != "" && !allowed[spec.CountDistinct] {
		return fmt.Errorf("%w: %s", ErrInvalidGroupField, spec.CountDistinct)
	}
	switch spec.Bucket {
	case BucketNone, BucketHour, BucketDay:
	default:
		return fmt.Errorf("%w: bucket %q", ErrInvalidGroupField, spec.Bucket)
	}
	return nil
}

// truncateBucket applies the bucket to t in UTC.
func truncateBucket(t time.Time, b Bucket) time.Time {
	t = t.UTC()
	switch b {
	case BucketHour:
		return t.Truncate(time.Hour)
	case BucketDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

// Bool returns a pointer to b, for LoginAttemptFilter.Success.
func Bool(b bool) *bool { return &b }
