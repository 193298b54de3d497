// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

//go:build integration

package store

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/goccy/go-json"
	"github.com/tomtom215/shelfwatch/internal/models"
)

func openTestDuckDB(t *testing.T) *DuckDBStore {
	t.Helper()
	s, err := OpenDuckDB(context.Background(), DuckDBConfig{Path: ":memory:", Threads: 1, MaxMemory: "256MB"})
	if err != nil {
		t.Fatalf("OpenDuckDB() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDuckDBStoreContract(t *testing.T) {
	storeContract(t, openTestDuckDB(t))
}

func TestDuckDBStoreAuditBatch(t *testing.T) {
	s := openTestDuckDB(t)
	ctx := context.Background()

	batch := make([]*models.AuditLogEntry, maxAuditRowsPerInsert+5)
	for i := range batch {
		batch[i] = auditEntry(fmt.Sprintf("b-%d", i), "u1", "view", "Book", models.RiskLow, baseTime)
	}
	if err := s.CreateAuditLogs(ctx, batch); err != nil {
		t.Fatalf("CreateAuditLogs() error = %v", err)
	}
	if n, err := s.CountAuditLogs(ctx, AuditLogFilter{}); err != nil || n != int64(len(batch)) {
		t.Fatalf("CountAuditLogs() = %d, %v; want %d", n, err, len(batch))
	}

	// A duplicate key inside the batch rejects every row of it.
	dup := []*models.AuditLogEntry{
		auditEntry("c-1", "u2", "view", "Book", models.RiskLow, baseTime),
		auditEntry("c-2", "u2", "view", "Book", models.RiskLow, baseTime),
		auditEntry("b-0", "u2", "view", "Book", models.RiskLow, baseTime),
	}
	if err := s.CreateAuditLogs(ctx, dup); err == nil {
		t.Fatal("CreateAuditLogs() error = nil for duplicate id")
	}
	if n, _ := s.CountAuditLogs(ctx, AuditLogFilter{UserID: "u2"}); n != 0 {
		t.Errorf("partial batch persisted: %d rows", n)
	}
}

func TestDuckDBStoreRoundTripsAuditFields(t *testing.T) {
	s := openTestDuckDB(t)
	ctx := context.Background()

	in := auditEntry("full", "u9", "update", "User", models.RiskHigh, baseTime)
	in.Changes = json.RawMessage(`{"email":"a@b.c"}`)
	in.RequestInfo = json.RawMessage(`{"path":"/users/9"}`)
	in.Location = &models.Geolocation{Country: "NZ", Region: "AUK", City: "Auckland", Latitude: -36.85, Longitude: 174.76}
	in.SecurityFlags = []string{models.FlagIPChanged}
	in.ComplianceFlags = []string{"gdpr"}
	in.ExecutionTimeMs = 12
	in.IsEncrypted = true

	if err := s.CreateAuditLog(ctx, in); err != nil {
		t.Fatalf("CreateAuditLog() error = %v", err)
	}
	got, err := s.FindAuditLogs(ctx, AuditLogFilter{EntityID: ""})
	if err != nil || len(got) != 1 {
		t.Fatalf("FindAuditLogs() = %d rows, %v", len(got), err)
	}
	out := got[0]
	if !bytes.Equal(out.Changes, in.Changes) || !bytes.Equal(out.RequestInfo, in.RequestInfo) {
		t.Errorf("json fields = %s / %s", out.Changes, out.RequestInfo)
	}
	if out.OldValues != nil {
		t.Errorf("absent field should stay nil, got %s", out.OldValues)
	}
	if out.Location == nil || out.Location.City != "Auckland" {
		t.Errorf("location = %+v", out.Location)
	}
	if len(out.SecurityFlags) != 1 || out.ComplianceFlags[0] != "gdpr" {
		t.Errorf("flags = %v / %v", out.SecurityFlags, out.ComplianceFlags)
	}
	if !out.CreatedAt.Equal(baseTime) || !out.IsEncrypted || out.ExecutionTimeMs != 12 {
		t.Errorf("scalar fields = %+v", out)
	}
}

func TestDuckDBStoreLoginLocation(t *testing.T) {
	s := openTestDuckDB(t)
	ctx := context.Background()

	located := &models.LoginAttempt{
		ID: "l1", Username: "bob", IPAddress: "1.2.3.4", Success: true, DeviceFingerprint: "fp-1",
		Location:  &models.Geolocation{Country: "US", Region: "NY", Latitude: 40.7, Longitude: -74.0},
		CreatedAt: baseTime,
	}
	bare := &models.LoginAttempt{ID: "l2", Username: "bob", IPAddress: "1.2.3.5", Success: true, CreatedAt: baseTime}
	for _, a := range []*models.LoginAttempt{located, bare} {
		if err := s.CreateLoginAttempt(ctx, a); err != nil {
			t.Fatalf("CreateLoginAttempt() error = %v", err)
		}
	}

	got, err := s.FindLoginAttempts(ctx, LoginAttemptFilter{Username: "bob", RequireLocation: true})
	if err != nil || len(got) != 1 || got[0].Location.RegionKey() != "US/NY" {
		t.Fatalf("located attempts = %+v, %v", got, err)
	}
	n, _ := s.CountLoginAttempts(ctx, LoginAttemptFilter{RequireFingerprint: true})
	if n != 1 {
		t.Errorf("fingerprinted attempts = %d, want 1", n)
	}
}
