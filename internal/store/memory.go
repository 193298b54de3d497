// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package store

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/shelfwatch/internal/models"
)

// MemoryStore implements Store in process memory. It is used by tests and
// by deployments that do not need durable telemetry.
type MemoryStore struct {
	mu        sync.RWMutex
	auditLogs []models.AuditLogEntry
	events    []models.SecurityEvent
	attempts  []models.LoginAttempt
	users     map[string]models.User
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]models.User)}
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// CreateAuditLog implements AuditLogStore.
func (s *MemoryStore) CreateAuditLog(_ context.Context, entry *models.AuditLogEntry) error {
	if entry == nil {
		return errors.New("audit entry cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, cloneEntry(entry))
	return nil
}

// CreateAuditLogs implements AuditLogStore.
func (s *MemoryStore) CreateAuditLogs(_ context.Context, entries []*models.AuditLogEntry) error {
	for _, e := range entries {
		if e == nil {
			return errors.New("audit entry cannot be nil")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.auditLogs = append(s.auditLogs, cloneEntry(e))
	}
	return nil
}

// FindAuditLogs implements AuditLogStore.
func (s *MemoryStore) FindAuditLogs(_ context.Context, filter AuditLogFilter) ([]models.AuditLogEntry, error) {
	rows := s.matchAuditLogs(filter)
	return paginate(rows, func(e *models.AuditLogEntry) time.Time { return e.CreatedAt },
		filter.Ascending, filter.Offset, filter.Limit), nil
}

// CountAuditLogs implements AuditLogStore.
func (s *MemoryStore) CountAuditLogs(_ context.Context, filter AuditLogFilter) (int64, error) {
	return int64(len(s.matchAuditLogs(filter))), nil
}

// GroupAuditLogs implements AuditLogStore.
func (s *MemoryStore) GroupAuditLogs(_ context.Context, filter AuditLogFilter, spec GroupSpec) ([]GroupCount, error) {
	if err := validateGroupSpec(auditGroupFields, spec); err != nil {
		return nil, err
	}
	return groupRows(s.matchAuditLogs(filter), auditAccessors,
		func(e *models.AuditLogEntry) time.Time { return e.CreatedAt }, spec), nil
}

// DeleteAuditLogs implements AuditLogStore.
func (s *MemoryStore) DeleteAuditLogs(_ context.Context, cutoffs RetentionCutoffs) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.auditLogs[:0]
	var deleted int64
	for _, e := range s.auditLogs {
		if cutoff, ok := cutoffs[e.RiskLevel]; ok && e.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.auditLogs = kept
	return deleted, nil
}

func (s *MemoryStore) matchAuditLogs(f AuditLogFilter) []models.AuditLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.AuditLogEntry
	for i := range s.auditLogs {
		e := &s.auditLogs[i]
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if len(f.Actions) > 0 && !slices.Contains(f.Actions, e.Action) {
			continue
		}
		if len(f.Entities) > 0 && !slices.Contains(f.Entities, e.Entity) {
			continue
		}
		if f.EntityID != "" && e.EntityID != f.EntityID {
			continue
		}
		if slices.Contains(f.ExcludeEntities, e.Entity) {
			continue
		}
		if len(f.RiskLevels) > 0 && !slices.Contains(f.RiskLevels, e.RiskLevel) {
			continue
		}
		if f.Result != "" && e.Result != f.Result {
			continue
		}
		if f.IPAddress != "" && e.IPAddress != f.IPAddress {
			continue
		}
		if f.Keyword != "" && !containsAnyFold(f.Keyword, e.Description, e.Action, e.Entity) {
			continue
		}
		if f.ExcludeComplianceFlag != "" && e.HasComplianceFlag(f.ExcludeComplianceFlag) {
			continue
		}
		if !inRange(e.CreatedAt, f.Since, f.Until) {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	return out
}

// CreateSecurityEvent implements SecurityEventStore.
func (s *MemoryStore) CreateSecurityEvent(_ context.Context, event *models.SecurityEvent) error {
	if event == nil {
		return errors.New("security event cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

// GetSecurityEvent implements SecurityEventStore.
func (s *MemoryStore) GetSecurityEvent(_ context.Context, id string) (*models.SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.events {
		if s.events[i].ID == id {
			ev := s.events[i]
			return &ev, nil
		}
	}
	return nil, ErrNotFound
}

// FindSecurityEvents implements SecurityEventStore.
func (s *MemoryStore) FindSecurityEvents(_ context.Context, filter SecurityEventFilter) ([]models.SecurityEvent, error) {
	rows := s.matchSecurityEvents(filter)
	return paginate(rows, func(e *models.SecurityEvent) time.Time { return e.CreatedAt },
		filter.Ascending, filter.Offset, filter.Limit), nil
}

// CountSecurityEvents implements SecurityEventStore.
func (s *MemoryStore) CountSecurityEvents(_ context.Context, filter SecurityEventFilter) (int64, error) {
	return int64(len(s.matchSecurityEvents(filter))), nil
}

// GroupSecurityEvents implements SecurityEventStore.
func (s *MemoryStore) GroupSecurityEvents(_ context.Context, filter SecurityEventFilter, spec GroupSpec) ([]GroupCount, error) {
	if err := validateGroupSpec(securityGroupFields, spec); err != nil {
		return nil, err
	}
	return groupRows(s.matchSecurityEvents(filter), securityAccessors,
		func(e *models.SecurityEvent) time.Time { return e.CreatedAt }, spec), nil
}

func (s *MemoryStore) matchSecurityEvents(f SecurityEventFilter) []models.SecurityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.SecurityEvent
	for i := range s.events {
		e := &s.events[i]
		if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
			continue
		}
		if len(f.Severities) > 0 && !slices.Contains(f.Severities, e.Severity) {
			continue
		}
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.IPAddress != "" && e.IPAddress != f.IPAddress {
			continue
		}
		if f.Keyword != "" && !containsAnyFold(f.Keyword, e.EventType, e.IPAddress, e.UserAgent) {
			continue
		}
		if !inRange(e.CreatedAt, f.Since, f.Until) {
			continue
		}
		out = append(out, *e)
	}
	return out
}

// CreateLoginAttempt implements LoginAttemptStore.
func (s *MemoryStore) CreateLoginAttempt(_ context.Context, attempt *models.LoginAttempt) error {
	if attempt == nil {
		return errors.New("login attempt cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := *attempt
	if attempt.Location != nil {
		loc := *attempt.Location
		a.Location = &loc
	}
	s.attempts = append(s.attempts, a)
	return nil
}

// FindLoginAttempts implements LoginAttemptStore.
func (s *MemoryStore) FindLoginAttempts(_ context.Context, filter LoginAttemptFilter) ([]models.LoginAttempt, error) {
	rows := s.matchLoginAttempts(filter)
	return paginate(rows, func(a *models.LoginAttempt) time.Time { return a.CreatedAt },
		filter.Ascending, filter.Offset, filter.Limit), nil
}

// CountLoginAttempts implements LoginAttemptStore.
func (s *MemoryStore) CountLoginAttempts(_ context.Context, filter LoginAttemptFilter) (int64, error) {
	return int64(len(s.matchLoginAttempts(filter))), nil
}

// GroupLoginAttempts implements LoginAttemptStore.
func (s *MemoryStore) GroupLoginAttempts(_ context.Context, filter LoginAttemptFilter, spec GroupSpec) ([]GroupCount, error) {
	if err := validateGroupSpec(loginGroupFields, spec); err != nil {
		return nil, err
	}
	return groupRows(s.matchLoginAttempts(filter), loginAccessors,
		func(a *models.LoginAttempt) time.Time { return a.CreatedAt }, spec), nil
}

func (s *MemoryStore) matchLoginAttempts(f LoginAttemptFilter) []models.LoginAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.LoginAttempt
	for i := range s.attempts {
		a := &s.attempts[i]
		if f.Username != "" && a.Username != f.Username {
			continue
		}
		if f.IPAddress != "" && a.IPAddress != f.IPAddress {
			continue
		}
		if f.Success != nil && a.Success != *f.Success {
			continue
		}
		if f.Keyword != "" && !containsAnyFold(f.Keyword, a.Username, a.IPAddress, a.UserAgent) {
			continue
		}
		if f.RequireLocation && a.Location == nil {
			continue
		}
		if f.RequireFingerprint && a.DeviceFingerprint == "" {
			continue
		}
		if !inRange(a.CreatedAt, f.Since, f.Until) {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// GetUser implements UserStore.
func (s *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

// SaveUser implements UserStore.
func (s *MemoryStore) SaveUser(_ context.Context, user *models.User) error {
	if user == nil || user.ID == "" {
		return errors.New("user must have an ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = *user
	return nil
}

var (
	auditAccessors = map[string]func(*models.AuditLogEntry) string{
		"user_id":    func(e *models.AuditLogEntry) string { return e.UserID },
		"user_role":  func(e *models.AuditLogEntry) string { return e.UserRole },
		"action":     func(e *models.AuditLogEntry) string { return e.Action },
		"entity":     func(e *models.AuditLogEntry) string { return e.Entity },
		"risk_level": func(e *models.AuditLogEntry) string { return string(e.RiskLevel) },
		"result":     func(e *models.AuditLogEntry) string { return string(e.Result) },
		"ip_address": func(e *models.AuditLogEntry) string { return e.IPAddress },
	}
	securityAccessors = map[string]func(*models.SecurityEvent) string{
		"event_type": func(e *models.SecurityEvent) string { return e.EventType },
		"severity":   func(e *models.SecurityEvent) string { return string(e.Severity) },
		"ip_address": func(e *models.SecurityEvent) string { return e.IPAddress },
		"user_id":    func(e *models.SecurityEvent) string { return e.UserID },
	}
	loginAccessors = map[string]func(*models.LoginAttempt) string{
		"username":           func(a *models.LoginAttempt) string { return a.Username },
		"ip_address":         func(a *models.LoginAttempt) string { return a.IPAddress },
		"success":            func(a *models.LoginAttempt) string { return strconv.FormatBool(a.Success) },
		"device_fingerprint": func(a *models.LoginAttempt) string { return a.DeviceFingerprint },
		"country": func(a *models.LoginAttempt) string {
			if a.Location == nil {
				return ""
			}
			return a.Location.Country
		},
	}
)

// groupRows counts rows per key tuple (and bucket), honouring the group's
// distinct column, threshold, ordering and limit.
func groupRows[T any](rows []T, fields map[string]func(*T) string, created func(*T) time.Time, spec GroupSpec) []GroupCount {
	type acc struct {
		GroupCount
		distinct map[string]struct{}
	}
	groups := make(map[string]*acc)
	for i := range rows {
		r := &rows[i]
		keys := make([]string, len(spec.Fields))
		for j, f := range spec.Fields {
			keys[j] = fields[f](r)
		}
		var bucket time.Time
		if spec.Bucket != BucketNone {
			bucket = truncateBucket(created(r), spec.Bucket)
		}
		id := strings.Join(keys, "\x00") + "\x00" + strconv.FormatInt(bucket.Unix(), 10)
		a, ok := groups[id]
		if !ok {
			a = &acc{GroupCount: GroupCount{Keys: keys, Bucket: bucket}, distinct: make(map[string]struct{})}
			groups[id] = a
		}
		if spec.CountDistinct == "" {
			a.Count++
		} else if v := fields[spec.CountDistinct](r); v != "" {
			a.distinct[v] = struct{}{}
		}
	}

	out := make([]GroupCount, 0, len(groups))
	for _, a := range groups {
		if spec.CountDistinct != "" {
			a.Count = int64(len(a.distinct))
		}
		if a.Count <= spec.MoreThan {
			continue
		}
		out = append(out, a.GroupCount)
	}
	sortGroups(out, spec.Bucket != BucketNone)
	if spec.Limit > 0 && len(out) > spec.Limit {
		out = out[:spec.Limit]
	}
	return out
}

func sortGroups(groups []GroupCount, byBucket bool) {
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if byBucket {
			if !a.Bucket.Equal(b.Bucket) {
				return a.Bucket.Before(b.Bucket)
			}
		} else if a.Count != b.Count {
			return a.Count > b.Count
		}
		return slices.Compare(a.Keys, b.Keys) < 0
	})
}

// paginate orders rows by creation time and applies offset/limit.
func paginate[T any](rows []T, created func(*T) time.Time, asc bool, offset, limit int) []T {
	sort.SliceStable(rows, func(i, j int) bool {
		if asc {
			return created(&rows[i]).Before(created(&rows[j]))
		}
		return created(&rows[i]).After(created(&rows[j]))
	})
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

func inRange(t, since, until time.Time) bool {
	if !since.IsZero() && t.Before(since) {
		return false
	}
	if !until.IsZero() && !t.Before(until) {
		return false
	}
	return true
}

func containsAnyFold(keyword string, fields ...string) bool {
	kw := strings.ToLower(keyword)
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), kw) {
			return true
		}
	}
	return false
}

func cloneEntry(e *models.AuditLogEntry) models.AuditLogEntry {
	c := *e
	c.SecurityFlags = slices.Clone(e.SecurityFlags)
	c.ComplianceFlags = slices.Clone(e.ComplianceFlags)
	return c
}
