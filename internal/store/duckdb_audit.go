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
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/tomtom215/shelfwatch/internal/logging"
	"github.com/tomtom215/shelfwatch/internal/models"
)

const auditColumns = `id, action, entity, entity_id, description, user_id, user_role,
	changes, old_values, new_values, request_info, resource_usage,
	session_id, ip_address, user_agent, location,
	result, error_details, risk_level, security_flags, compliance_flags,
	correlation_id, parent_log_id, execution_time_ms, is_encrypted, created_at`

const auditValuesRow = `(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const insertAuditLogQuery = `INSERT INTO audit_logs (` + auditColumns + `) VALUES ` + auditValuesRow

// maxAuditRowsPerInsert bounds the placeholders of one batch statement.
const maxAuditRowsPerInsert = 1000

// insertAuditLogsQuery returns a single INSERT carrying rows value tuples.
func insertAuditLogsQuery(rows int) string {
	var b strings.Builder
	b.Grow(len(auditColumns) + rows*(len(auditValuesRow)+2) + 32)
	b.WriteString("INSERT INTO audit_logs (")
	b.WriteString(auditColumns)
	b.WriteString(") VALUES ")
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(auditValuesRow)
	}
	return b.String()
}

// CreateAuditLog implements AuditLogStore.
func (s *DuckDBStore) CreateAuditLog(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry == nil {
		return errors.New("audit entry cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, insertAuditLogQuery, auditLogParams(entry)...); err != nil {
		return fmt.Errorf("failed to save audit log: %w", err)
	}
	return nil
}

// CreateAuditLogs implements AuditLogStore. A batch is written by one
// multi-row INSERT (split only past maxAuditRowsPerInsert rows) inside one
// transaction, so it lands whole or not at all.
func (s *DuckDBStore) CreateAuditLogs(ctx context.Context, entries []*models.AuditLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if e == nil {
			return errors.New("audit entry cannot be nil")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit batch: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logging.Warn().Err(rbErr).Msg("Failed to roll back audit batch")
			}
		}
	}()

	for start := 0; start < len(entries); start += maxAuditRowsPerInsert {
		chunk := entries[start:min(start+maxAuditRowsPerInsert, len(entries))]
		args := make([]interface{}, 0, len(chunk)*26)
		for _, e := range chunk {
			args = append(args, auditLogParams(e)...)
		}
		if _, err = tx.ExecContext(ctx, insertAuditLogsQuery(len(chunk)), args...); err != nil {
			return fmt.Errorf("failed to insert audit batch of %d: %w", len(chunk), err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit batch: %w", err)
	}
	return nil
}

func auditLogParams(e *models.AuditLogEntry) []interface{} {
	return []interface{}{
		e.ID, e.Action, e.Entity, e.EntityID, e.Description, e.UserID, e.UserRole,
		nullableText(e.Changes), nullableText(e.OldValues), nullableText(e.NewValues),
		nullableText(e.RequestInfo), nullableText(e.ResourceUsage),
		e.SessionID, e.IPAddress, e.UserAgent, marshalNullable(e.Location),
		string(e.Result), e.ErrorDetails, string(e.RiskLevel),
		marshalStrings(e.SecurityFlags), marshalStrings(e.ComplianceFlags),
		e.CorrelationID, e.ParentLogID, e.ExecutionTimeMs, e.IsEncrypted, e.CreatedAt.UTC(),
	}
}

// FindAuditLogs implements AuditLogStore.
func (s *DuckDBStore) FindAuditLogs(ctx context.Context, filter AuditLogFilter) ([]models.AuditLogEntry, error) {
	conditions, args := auditConditions(filter)
	query := appendOrderAndLimit("SELECT "+auditColumns+" FROM audit_logs"+whereClause(conditions),
		filter.Ascending, filter.Limit, filter.Offset)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLogEntry
	for rows.Next() {
		var d scannedAuditLog
		if err := rows.Scan(d.scanDestinations()...); err != nil {
			logging.Warn().Err(err).Msg("Failed to scan audit log row")
			continue
		}
		out = append(out, d.toEntry())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return out, nil
}

// CountAuditLogs implements AuditLogStore.
func (s *DuckDBStore) CountAuditLogs(ctx context.Context, filter AuditLogFilter) (int64, error) {
	conditions, args := auditConditions(filter)
	return s.count(ctx, "audit_logs", conditions, args)
}

// GroupAuditLogs implements AuditLogStore.
func (s *DuckDBStore) GroupAuditLogs(ctx context.Context, filter AuditLogFilter, spec GroupSpec) ([]GroupCount, error) {
	if err := validateGroupSpec(auditGroupFields, spec); err != nil {
		return nil, err
	}
	conditions, args := auditConditions(filter)
	return s.groupQuery(ctx, "audit_logs", conditions, args, spec)
}

// DeleteAuditLogs implements AuditLogStore.
func (s *DuckDBStore) DeleteAuditLogs(ctx context.Context, cutoffs RetentionCutoffs) (int64, error) {
	if len(cutoffs) == 0 {
		return 0, nil
	}

	levels := make([]string, 0, len(cutoffs))
	for level := range cutoffs {
		levels = append(levels, string(level))
	}
	sort.Strings(levels)

	parts := make([]string, 0, len(levels))
	args := make([]interface{}, 0, len(levels)*2)
	for _, level := range levels {
		parts = append(parts, "(risk_level = ? AND created_at < ?)")
		args = append(args, level, cutoffs[models.RiskLevel(level)].UTC())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE "+strings.Join(parts, " OR "), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired audit logs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted count: %w", err)
	}
	return n, nil
}

func auditConditions(f AuditLogFilter) ([]string, []interface{}) {
	var conditions []string
	var args []interface{}

	if cond := buildSliceCondition("action", f.Actions, &args); cond != "" {
		conditions = append(conditions, cond)
	}
	if cond := buildSliceCondition("entity", f.Entities, &args); cond != "" {
		conditions = append(conditions, cond)
	}
	if cond := buildSliceCondition("entity", f.ExcludeEntities, &args); cond != "" {
		conditions = append(conditions, "NOT "+cond)
	}
	if cond := buildSliceCondition("risk_level", f.RiskLevels, &args); cond != "" {
		conditions = append(conditions, cond)
	}
	conditions, args = appendStringCondition(conditions, args, "user_id", f.UserID)
	conditions, args = appendStringCondition(conditions, args, "entity_id", f.EntityID)
	conditions, args = appendStringCondition(conditions, args, "result", string(f.Result))
	conditions, args = appendStringCondition(conditions, args, "ip_address", f.IPAddress)
	conditions, args = appendKeywordCondition(conditions, args, f.Keyword, "description", "action", "entity")

	if f.ExcludeComplianceFlag != "" {
		conditions = append(conditions, "(compliance_flags IS NULL OR compliance_flags NOT LIKE ?)")
		args = append(args, `%"`+f.ExcludeComplianceFlag+`"%`)
	}

	return appendTimeRange(conditions, args, f.Since, f.Until)
}

// scannedAuditLog holds raw scanned values from the audit_logs table.
type scannedAuditLog struct {
	entry           models.AuditLogEntry
	changes         sql.NullString
	oldValues       sql.NullString
	newValues       sql.NullString
	requestInfo     sql.NullString
	resourceUsage   sql.NullString
	location        sql.NullString
	result          string
	riskLevel       string
	securityFlags   sql.NullString
	complianceFlags sql.NullString
}

func (d *scannedAuditLog) scanDestinations() []interface{} {
	e := &d.entry
	return []interface{}{
		&e.ID, &e.Action, &e.Entity, &e.EntityID, &e.Description, &e.UserID, &e.UserRole,
		&d.changes, &d.oldValues, &d.newValues, &d.requestInfo, &d.resourceUsage,
		&e.SessionID, &e.IPAddress, &e.UserAgent, &d.location,
		&d.result, &e.ErrorDetails, &d.riskLevel, &d.securityFlags, &d.complianceFlags,
		&e.CorrelationID, &e.ParentLogID, &e.ExecutionTimeMs, &e.IsEncrypted, &e.CreatedAt,
	}
}

func (d *scannedAuditLog) toEntry() models.AuditLogEntry {
	e := d.entry
	e.Result = models.Result(d.result)
	e.RiskLevel = models.RiskLevel(d.riskLevel)
	e.Changes = rawJSON(d.changes)
	e.OldValues = rawJSON(d.oldValues)
	e.NewValues = rawJSON(d.newValues)
	e.RequestInfo = rawJSON(d.requestInfo)
	e.ResourceUsage = rawJSON(d.resourceUsage)
	e.SecurityFlags = unmarshalStrings(d.securityFlags)
	e.ComplianceFlags = unmarshalStrings(d.complianceFlags)
	e.CreatedAt = e.CreatedAt.UTC()
	if d.location.Valid && d.location.String != "" {
		var loc models.Geolocation
		if err := json.Unmarshal([]byte(d.location.String), &loc); err == nil {
			e.Location = &loc
		}
	}
	return e
}

func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func marshalStrings(values []string) interface{} {
	if len(values) == 0 {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return string(data)
}

func unmarshalStrings(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		logging.Debug().Err(err).Str("value", s.String).Msg("Failed to parse flag list")
		return nil
	}
	return out
}

func marshalNullable(v *models.Geolocation) interface{} {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}
