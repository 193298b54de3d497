// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package store

import (
	"strings"
	"testing"
)

func TestInsertAuditLogsQuery(t *testing.T) {
	columns := len(strings.Split(auditColumns, ","))
	if got := strings.Count(auditValuesRow, "?"); got != columns {
		t.Fatalf("value row has %d placeholders for %d columns", got, columns)
	}
	if got := len(auditLogParams(auditEntry("a", "u", "view", "Book", "low", baseTime))); got != columns {
		t.Fatalf("auditLogParams() = %d values for %d columns", got, columns)
	}

	for _, rows := range []int{1, 3, 100} {
		q := insertAuditLogsQuery(rows)
		if strings.Count(q, "INSERT INTO") != 1 {
			t.Errorf("rows=%d: want a single INSERT, got %q", rows, q)
		}
		if got := strings.Count(q, "?"); got != rows*columns {
			t.Errorf("rows=%d: placeholders = %d, want %d", rows, got, rows*columns)
		}
		if got := strings.Count(q, "), ("); got != rows-1 {
			t.Errorf("rows=%d: tuple separators = %d, want %d", rows, got, rows-1)
		}
	}

	if insertAuditLogsQuery(1) != insertAuditLogQuery {
		t.Error("single-row batch differs from the single insert")
	}
}
