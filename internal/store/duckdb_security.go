// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tomtom215/shelfwatch/internal/logging"
	"github.com/tomtom215/shelfwatch/internal/models"
)

const securityEventColumns = `id, event_type, severity, event_data, context_data,
	ip_address, user_id, user_agent, risk_score, is_blocked, created_at`

// CreateSecurityEvent implements SecurityEventStore.
func (s *DuckDBStore) CreateSecurityEvent(ctx context.Context, event *models.SecurityEvent) error {
	if event == nil {
		return errors.New("security event cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT INTO security_events (` + securityEventColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.EventType, string(event.Severity),
		nullableText(event.EventData), nullableText(event.ContextData),
		event.IPAddress, event.UserID, event.UserAgent,
		event.RiskScore, event.IsBlocked, event.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save security event: %w", err)
	}
	return nil
}

// GetSecurityEvent implements SecurityEventStore.
func (s *DuckDBStore) GetSecurityEvent(ctx context.Context, id string) (*models.SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var d scannedSecurityEvent
	row := s.db.QueryRowContext(ctx, "SELECT "+securityEventColumns+" FROM security_events WHERE id = ?", id)
	if err := row.Scan(d.scanDestinations()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get security event: %w", err)
	}
	ev := d.toEvent()
	return &ev, nil
}

// FindSecurityEvents implements SecurityEventStore.
func (s *DuckDBStore) FindSecurityEvents(ctx context.Context, filter SecurityEventFilter) ([]models.SecurityEvent, error) {
	conditions, args := securityConditions(filter)
	query := appendOrderAndLimit("SELECT "+securityEventColumns+" FROM security_events"+whereClause(conditions),
		filter.Ascending, filter.Limit, filter.Offset)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer rows.Close()

	var out []models.SecurityEvent
	for rows.Next() {
		var d scannedSecurityEvent
		if err := rows.Scan(d.scanDestinations()...); err != nil {
			logging.Warn().Err(err).Msg("Failed to scan security event row")
			continue
		}
		out = append(out, d.toEvent())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating security events: %w", err)
	}
	return out, nil
}

// CountSecurityEvents implements SecurityEventStore.
func (s *DuckDBStore) CountSecurityEvents(ctx context.Context, filter SecurityEventFilter) (int64, error) {
	conditions, args := securityConditions(filter)
	return s.count(ctx, "security_events", conditions, args)
}

// GroupSecurityEvents implements SecurityEventStore.
func (s *DuckDBStore) GroupSecurityEvents(ctx context.Context, filter SecurityEventFilter, spec GroupSpec) ([]GroupCount, error) {
	if err := validateGroupSpec(securityGroupFields, spec); err != nil {
		return nil, err
	}
	conditions, args := securityConditions(filter)
	return s.groupQuery(ctx, "security_events", conditions, args, spec)
}

func securityConditions(f SecurityEventFilter) ([]string, []interface{}) {
	var conditions []string
	var args []interface{}

	if cond := buildSliceCondition("event_type", f.EventTypes, &args); cond != "" {
		conditions = append(conditions, cond)
	}
	if cond := buildSliceCondition("severity", f.Severities, &args); cond != "" {
		conditions = append(conditions, cond)
	}
	conditions, args = appendStringCondition(conditions, args, "user_id", f.UserID)
	conditions, args = appendStringCondition(conditions, args, "ip_address", f.IPAddress)
	conditions, args = appendKeywordCondition(conditions, args, f.Keyword, "event_type", "ip_address", "user_agent")
	return appendTimeRange(conditions, args, f.Since, f.Until)
}

type scannedSecurityEvent struct {
	event       models.SecurityEvent
	severity    string
	eventData   sql.NullString
	contextData sql.NullString
}

func (d *scannedSecurityEvent) scanDestinations() []interface{} {
	e := &d.event
	return []interface{}{
		&e.ID, &e.EventType, &d.severity, &d.eventData, &d.contextData,
		&e.IPAddress, &e.UserID, &e.UserAgent, &e.RiskScore, &e.IsBlocked, &e.CreatedAt,
	}
}

func (d *scannedSecurityEvent) toEvent() models.SecurityEvent {
	e := d.event
	e.Severity = models.Severity(d.severity)
	e.EventData = rawJSON(d.eventData)
	e.ContextData = rawJSON(d.contextData)
	e.CreatedAt = e.CreatedAt.UTC()
	return e
}
