// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

// Package audit is the intake side of the telemetry pipeline: it builds audit
// entries, buffers them, and persists them in batches. It also hosts the
// retention scheduler that removes expired entries.
//
// # Overview
//
//   - Log and its wrappers classify each entry through internal/risk and seal
//     sensitive value fields through internal/cipher before queueing it.
//   - High and critical entries are written synchronously before Log returns
//     and are marked so the batch never inserts them twice.
//   - The queue is flushed every FlushInterval by Run, or inline once it
//     holds BatchSize entries.
//   - A failed batch insert is logged and the batch is dropped.
//   - RecordSecurityEvent is the single intake path for detection results.
//
// # Architecture
//
//	Log() -> risk/cipher -> queue (mutex) --tick/size--> Flush -> store.CreateAuditLogs
//	            |                                           |
//	   elevated: store.CreateAuditLog               events: batchProcessed
//
// The flush snapshot is taken under the queue mutex before any store call, so
// entries logged during an in-flight flush land in the next one. An atomic
// guard keeps at most one flush running; overlapping ticks are dropped.
//
// # Usage
//
//	svc := audit.NewService(st, fieldCipher, bus, audit.DefaultConfig())
//	go svc.Run(ctx)
//
//	svc.Log(ctx, "delete", "User", "7", "deleted user", audit.LogOptions{
//	    UserID:             "42",
//	    RequiresEscalation: true,
//	})
//
// Cancelling ctx stops the flush ticker and performs a final drain on a
// context that is no longer cancelled.
package audit
