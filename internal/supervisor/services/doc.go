// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

// Package services adapts components that do not implement suture.Service
// themselves.
//
// OpsServerService binds and serves the ops endpoint, draining in-flight
// requests for a bounded time on shutdown before closing what is left.
// BlockListPrunerService periodically expires block
// recommendations held by detection.IPRegistry.
//
// Serve return values follow suture: ctx.Err() on requested shutdown, any
// other error to request a restart.
package services
