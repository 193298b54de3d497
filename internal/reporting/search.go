// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/shelfwatch/internal/logging"
	"github.com/tomtom215/shelfwatch/internal/models"
	"github.com/tomtom215/shelfwatch/internal/store"
	"github.com/tomtom215/shelfwatch/internal/validation"
)

// LogSearchOptions filters SearchLogs. Keyword matches description, action or
// entity case-insensitively.
type LogSearchOptions struct {
	Keyword    string             `validate:"max=200"`
	UserID     string             `validate:"max=64"`
	Action     string             `validate:"max=64"`
	Entity     string             `validate:"max=64"`
	RiskLevels []models.RiskLevel `validate:"dive,risklevel"`
	Result     models.Result      `validate:"omitempty,oneof=success failure"`
	IPAddress  string             `validate:"omitempty,ip"`
	Since      time.Time
	Until      time.Time `validate:"omitempty,gtfield=Since"`
	Limit      int       `validate:"gte=0"`
	Offset     int       `validate:"gte=0"`

	// Decrypt opens sealed Changes, OldValues and NewValues in the returned
	// rows. The stored rows are not modified.
	Decrypt bool

	// ExcludeReportGeneration hides the entries written when compliance
	// reports are generated.
	ExcludeReportGeneration bool
}

// EventSearchOptions filters SearchEvents. Keyword matches event type, IP
// address or user agent.
type EventSearchOptions struct {
	Keyword    string            `validate:"max=200"`
	EventTypes []string          `validate:"dive,max=64"`
	Severities []models.Severity `validate:"dive,severity"`
	UserID     string            `validate:"max=64"`
	IPAddress  string            `validate:"omitempty,ip"`
	Since      time.Time
	Until      time.Time `validate:"omitempty,gtfield=Since"`
	Limit      int       `validate:"gte=0"`
	Offset     int       `validate:"gte=0"`
}

// AttemptSearchOptions filters SearchAttempts. Keyword matches username, IP
// address or user agent.
type AttemptSearchOptions struct {
	Keyword   string `validate:"max=200"`
	Username  string `validate:"max=128"`
	IPAddress string `validate:"omitempty,ip"`
	Success   *bool
	Since     time.Time
	Until     time.Time `validate:"omitempty,gtfield=Since"`
	Limit     int       `validate:"gte=0"`
	Offset    int       `validate:"gte=0"`
}

// SearchLogs returns one page of audit entries, newest first.
func (s *Service) SearchLogs(ctx context.Context, opts LogSearchOptions) (Page[models.AuditLogEntry], error) {
	empty := Page[models.AuditLogEntry]{Rows: []models.AuditLogEntry{}}
	if err := validation.ValidateStruct(&opts); err != nil {
		return empty, fmt.Errorf("invalid log search: %w", err)
	}

	filter := store.AuditLogFilter{
		UserID:     opts.UserID,
		RiskLevels: opts.RiskLevels,
		Result:     opts.Result,
		IPAddress:  opts.IPAddress,
		Keyword:    opts.Keyword,
		Since:      opts.Since,
		Until:      opts.Until,
	}
	if opts.ExcludeReportGeneration {
		filter.ExcludeComplianceFlag = models.FlagReportGeneration
	}
	if opts.Action != "" {
		filter.Actions = []string{opts.Action}
	}
	if opts.Entity != "" {
		filter.Entities = []string{opts.Entity}
	}

	count, err := s.store.CountAuditLogs(ctx, filter)
	if err != nil {
		return empty, s.fail(ctx, "audit log count", err)
	}
	filter.Limit = normalizeLimit(opts.Limit)
	filter.Offset = opts.Offset
	rows, err := s.store.FindAuditLogs(ctx, filter)
	if err != nil {
		return empty, s.fail(ctx, "audit log search", err)
	}

	if opts.Decrypt && s.cipher.Enabled() {
		for i := range rows {
			s.decrypt(&rows[i])
		}
	}
	return Page[models.AuditLogEntry]{Rows: nonNil(rows), Count: count}, nil
}

func (s *Service) decrypt(e *models.AuditLogEntry) {
	if !e.IsEncrypted {
		return
	}
	e.Changes = s.cipher.Decrypt(e.Changes)
	e.OldValues = s.cipher.Decrypt(e.OldValues)
	e.NewValues = s.cipher.Decrypt(e.NewValues)
	e.IsEncrypted = false
}

// SearchEvents returns one page of security events, newest first.
func (s *Service) SearchEvents(ctx context.Context, opts EventSearchOptions) (Page[models.SecurityEvent], error) {
	empty := Page[models.SecurityEvent]{Rows: []models.SecurityEvent{}}
	if err := validation.ValidateStruct(&opts); err != nil {
		return empty, fmt.Errorf("invalid event search: %w", err)
	}

	filter := store.SecurityEventFilter{
		EventTypes: opts.EventTypes,
		Severities: opts.Severities,
		UserID:     opts.UserID,
		IPAddress:  opts.IPAddress,
		Keyword:    opts.Keyword,
		Since:      opts.Since,
		Until:      opts.Until,
	}
	count, err := s.store.CountSecurityEvents(ctx, filter)
	if err != nil {
		return empty, s.fail(ctx, "security event count", err)
	}
	filter.Limit = normalizeLimit(opts.Limit)
	filter.Offset = opts.Offset
	rows, err := s.store.FindSecurityEvents(ctx, filter)
	if err != nil {
		return empty, s.fail(ctx, "security event search", err)
	}
	return Page[models.SecurityEvent]{Rows: nonNil(rows), Count: count}, nil
}

// SearchAttempts returns one page of login attempts, newest first.
func (s *Service) SearchAttempts(ctx context.Context, opts AttemptSearchOptions) (Page[models.LoginAttempt], error) {
	empty := Page[models.LoginAttempt]{Rows: []models.LoginAttempt{}}
	if err := validation.ValidateStruct(&opts); err != nil {
		return empty, fmt.Errorf("invalid login attempt search: %w", err)
	}

	filter := store.LoginAttemptFilter{
		Username:  opts.Username,
		IPAddress: opts.IPAddress,
		Success:   opts.Success,
		Keyword:   opts.Keyword,
		Since:     opts.Since,
		Until:     opts.Until,
	}
	count, err := s.store.CountLoginAttempts(ctx, filter)
	if err != nil {
		return empty, s.fail(ctx, "login attempt count", err)
	}
	filter.Limit = normalizeLimit(opts.Limit)
	filter.Offset = opts.Offset
	rows, err := s.store.FindLoginAttempts(ctx, filter)
	if err != nil {
		return empty, s.fail(ctx, "login attempt search", err)
	}
	return Page[models.LoginAttempt]{Rows: nonNil(rows), Count: count}, nil
}

func (s *Service) fail(ctx context.Context, what string, err error) error {
	logging.Ctx(ctx).Error().Err(err).Str("query", what).Msg("Reporting query failed")
	return fmt.Errorf("%s failed: %w", what, err)
}

func nonNil[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}
