// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/shelfwatch/internal/models"
)

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func auditEntry(id, userID, action, entity string, level models.RiskLevel, at time.Time) *models.AuditLogEntry {
	return &models.AuditLogEntry{
		ID:        id,
		UserID:    userID,
		Action:    action,
		Entity:    entity,
		Result:    models.ResultSuccess,
		RiskLevel: level,
		CreatedAt: at,
	}
}

// storeContract runs the behaviour shared by every Store implementation.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	entries := []*models.AuditLogEntry{
		auditEntry("a1", "u1", "read", "Book", models.RiskLow, baseTime.Add(-3*time.Hour)),
		auditEntry("a2", "u1", "read", "Book", models.RiskLow, baseTime.Add(-2*time.Hour)),
		auditEntry("a3", "u2", "delete", "User", models.RiskHigh, baseTime.Add(-1*time.Hour)),
		auditEntry("a4", "u2", "export", "Borrow", models.RiskCritical, baseTime.Add(-30*time.Minute)),
	}
	entries[2].Description = "Removed patron account"
	entries[3].ComplianceFlags = []string{models.FlagReportGeneration}
	if err := s.CreateAuditLogs(ctx, entries); err != nil {
		t.Fatalf("CreateAuditLogs() error = %v", err)
	}

	t.Run("newest first with pagination", func(t *testing.T) {
		got, err := s.FindAuditLogs(ctx, AuditLogFilter{Limit: 2, Offset: 1})
		if err != nil {
			t.Fatalf("FindAuditLogs() error = %v", err)
		}
		if len(got) != 2 || got[0].ID != "a3" || got[1].ID != "a2" {
			t.Fatalf("unexpected page: %+v", ids(got))
		}
	})

	t.Run("filters", func(t *testing.T) {
		n, err := s.CountAuditLogs(ctx, AuditLogFilter{UserID: "u1", Actions: []string{"read"}})
		if err != nil || n != 2 {
			t.Errorf("count u1 reads = %d, %v; want 2", n, err)
		}
		n, _ = s.CountAuditLogs(ctx, AuditLogFilter{Keyword: "PATRON"})
		if n != 1 {
			t.Errorf("keyword count = %d, want 1", n)
		}
		n, _ = s.CountAuditLogs(ctx, AuditLogFilter{ExcludeComplianceFlag: models.FlagReportGeneration})
		if n != 3 {
			t.Errorf("count excluding report flag = %d, want 3", n)
		}
		n, _ = s.CountAuditLogs(ctx, AuditLogFilter{UserID: "u2", ExcludeEntities: []string{"User", "Review"}})
		if n != 1 {
			t.Errorf("count excluding entities = %d, want 1", n)
		}
		n, _ = s.CountAuditLogs(ctx, AuditLogFilter{Since: baseTime.Add(-2 * time.Hour), Until: baseTime.Add(-30 * time.Minute)})
		if n != 2 {
			t.Errorf("time range count = %d, want 2 (since inclusive, until exclusive)", n)
		}
		n, _ = s.CountAuditLogs(ctx, AuditLogFilter{RiskLevels: []models.RiskLevel{models.RiskHigh, models.RiskCritical}})
		if n != 2 {
			t.Errorf("elevated count = %d, want 2", n)
		}
	})

	t.Run("group by user and entity", func(t *testing.T) {
		groups, err := s.GroupAuditLogs(ctx, AuditLogFilter{}, GroupSpec{Fields: []string{"user_id", "entity"}, MoreThan: 1})
		if err != nil {
			t.Fatalf("GroupAuditLogs() error = %v", err)
		}
		if len(groups) != 1 || groups[0].Keys[0] != "u1" || groups[0].Keys[1] != "Book" || groups[0].Count != 2 {
			t.Fatalf("unexpected groups: %+v", groups)
		}
	})

	t.Run("group by day bucket", func(t *testing.T) {
		groups, err := s.GroupAuditLogs(ctx, AuditLogFilter{}, GroupSpec{Fields: []string{"risk_level"}, Bucket: BucketDay})
		if err != nil {
			t.Fatalf("GroupAuditLogs() error = %v", err)
		}
		day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
		for _, g := range groups {
			if !g.Bucket.Equal(day) {
				t.Errorf("bucket = %v, want %v", g.Bucket, day)
			}
		}
		if len(groups) != 3 {
			t.Errorf("expected 3 risk level groups, got %d", len(groups))
		}
	})

	t.Run("invalid group field", func(t *testing.T) {
		_, err := s.GroupAuditLogs(ctx, AuditLogFilter{}, GroupSpec{Fields: []string{"description; DROP TABLE"}})
		if !errors.Is(err, ErrInvalidGroupField) {
			t.Errorf("error = %v, want ErrInvalidGroupField", err)
		}
	})

	t.Run("security events", func(t *testing.T) {
		for i, ip := range []string{"10.0.0.1", "10.0.0.1", "10.0.0.2"} {
			ev := &models.SecurityEvent{
				ID:        "ev" + string(rune('a'+i)),
				EventType: models.EventSuspiciousLogin,
				Severity:  models.SeverityHigh,
				IPAddress: ip,
				RiskScore: 75,
				CreatedAt: baseTime.Add(time.Duration(i) * time.Minute),
			}
			if err := s.CreateSecurityEvent(ctx, ev); err != nil {
				t.Fatalf("CreateSecurityEvent() error = %v", err)
			}
		}
		got, err := s.GetSecurityEvent(ctx, "evb")
		if err != nil || got.IPAddress != "10.0.0.1" {
			t.Fatalf("GetSecurityEvent() = %+v, %v", got, err)
		}
		if _, err := s.GetSecurityEvent(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("missing event error = %v, want ErrNotFound", err)
		}
		groups, err := s.GroupSecurityEvents(ctx, SecurityEventFilter{}, GroupSpec{Fields: []string{"ip_address"}, Limit: 1})
		if err != nil {
			t.Fatalf("GroupSecurityEvents() error = %v", err)
		}
		if len(groups) != 1 || groups[0].Key() != "10.0.0.1" || groups[0].Count != 2 {
			t.Errorf("top IP group = %+v", groups)
		}
	})

	t.Run("login attempts distinct count", func(t *testing.T) {
		for i, ip := range []string{"1.1.1.1", "2.2.2.2", "2.2.2.2", "3.3.3.3"} {
			a := &models.LoginAttempt{
				ID:        "la" + string(rune('a'+i)),
				Username:  "alice",
				IPAddress: ip,
				Success:   false,
				CreatedAt: baseTime.Add(time.Duration(i) * time.Second),
			}
			if err := s.CreateLoginAttempt(ctx, a); err != nil {
				t.Fatalf("CreateLoginAttempt() error = %v", err)
			}
		}
		groups, err := s.GroupLoginAttempts(ctx, LoginAttemptFilter{Success: Bool(false)},
			GroupSpec{Fields: []string{"username"}, CountDistinct: "ip_address", MoreThan: 2})
		if err != nil {
			t.Fatalf("GroupLoginAttempts() error = %v", err)
		}
		if len(groups) != 1 || groups[0].Count != 3 {
			t.Errorf("distinct IP groups = %+v, want alice with 3", groups)
		}
		n, _ := s.CountLoginAttempts(ctx, LoginAttemptFilter{Success: Bool(true)})
		if n != 0 {
			t.Errorf("successful attempts = %d, want 0", n)
		}
	})

	t.Run("users", func(t *testing.T) {
		u := &models.User{ID: "u1", Username: "alice", Role: models.RoleLibrarian, CreatedAt: baseTime}
		if err := s.SaveUser(ctx, u); err != nil {
			t.Fatalf("SaveUser() error = %v", err)
		}
		got, err := s.GetUser(ctx, "u1")
		if err != nil || got.Role != models.RoleLibrarian {
			t.Fatalf("GetUser() = %+v, %v", got, err)
		}
		if _, err := s.GetUser(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
			t.Errorf("missing user error = %v, want ErrNotFound", err)
		}
	})

	t.Run("retention by level", func(t *testing.T) {
		deleted, err := s.DeleteAuditLogs(ctx, RetentionCutoffs{
			models.RiskLow:  baseTime.Add(-150 * time.Minute),
			models.RiskHigh: baseTime,
		})
		if err != nil {
			t.Fatalf("DeleteAuditLogs() error = %v", err)
		}
		// a1 (low, older than cutoff) and a3 (high); a4 is critical and has no cutoff.
		if deleted != 2 {
			t.Errorf("deleted = %d, want 2", deleted)
		}
		remaining, _ := s.FindAuditLogs(ctx, AuditLogFilter{Ascending: true})
		if got := ids(remaining); len(got) != 2 || got[0] != "a2" || got[1] != "a4" {
			t.Errorf("remaining = %v, want [a2 a4]", got)
		}
	})
}

func ids(entries []models.AuditLogEntry) []string {
	out := make([]string, len(entries))
	for i := range entries {
		out[i] = entries[i].ID
	}
	return out
}

func TestMemoryStoreContract(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStoreCopiesEntries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	e := auditEntry("x", "u", "read", "Book", models.RiskLow, baseTime)
	e.SecurityFlags = []string{models.FlagIPChanged}
	if err := s.CreateAuditLog(ctx, e); err != nil {
		t.Fatal(err)
	}
	e.SecurityFlags[0] = "mutated"

	got, _ := s.FindAuditLogs(ctx, AuditLogFilter{})
	if got[0].SecurityFlags[0] != models.FlagIPChanged {
		t.Errorf("stored entry was mutated through caller slice: %v", got[0].SecurityFlags)
	}
}

func TestMemoryStoreRejectsNilBatch(t *testing.T) {
	s := NewMemoryStore()
	err := s.CreateAuditLogs(context.Background(), []*models.AuditLogEntry{
		auditEntry("ok", "u", "read", "Book", models.RiskLow, baseTime), nil,
	})
	if err == nil {
		t.Fatal("expected error for nil entry")
	}
	if n, _ := s.CountAuditLogs(context.Background(), AuditLogFilter{}); n != 0 {
		t.Errorf("batch must be all-or-nothing, stored %d", n)
	}
}
