// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

// Package reporting is the read side of the telemetry pipeline: paginated
// searches over audit entries, security events and login attempts, grouped
// statistics and trends, and compliance reports.
//
// Compliance reports and security statistics exclude the self-log entries
// the package writes when it generates a report, so report generation never
// feeds back into report data. Audit searches and operation trends include
// them unless asked not to, so auditors can see who generated a report.
// Store failures are logged and surface as an empty result plus the
// wrapped error; callers on a request path may ignore the error.
package reporting

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tomtom215/shelfwatch/internal/audit"
	"github.com/tomtom215/shelfwatch/internal/cipher"
	"github.com/tomtom215/shelfwatch/internal/store"
)

// Query limits.
const (
	DefaultLimit = 50
	MaxLimit     = 1000

	// maxReportRows bounds the rows embedded in one compliance report.
	maxReportRows = 10000
)

// Store is the read contract the reporting layer needs.
type Store interface {
	store.AuditLogStore
	store.SecurityEventStore
	store.LoginAttemptStore
}

// Page is one page of search results. Count is the total number of matching
// rows, independent of Limit and Offset.
type Page[T any] struct {
	Rows  []T   `json:"rows"`
	Count int64 `json:"count"`
}

// Option customizes a Service.
type Option func(*Service)

// WithClock injects the clock used for trailing windows.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// Service answers reporting queries.
type Service struct {
	store  Store
	logger audit.SystemLogger
	cipher *cipher.FieldCipher
	clock  clockwork.Clock
}

// NewService creates a reporting service. logger receives the compliance
// report self-log and may be nil; fc may be nil when no key is configured.
func NewService(st Store, logger audit.SystemLogger, fc *cipher.FieldCipher, opts ...Option) *Service {
	s := &Service{
		store:  st,
		logger: logger,
		cipher: fc,
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// since returns the start of the trailing window of length d.
func (s *Service) since(d time.Duration) time.Time {
	return s.clock.Now().UTC().Add(-d)
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
