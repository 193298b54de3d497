// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

/*
Package metrics provides Prometheus instrumentation for the telemetry pipeline.

All collectors are registered on the default registry through promauto and are
exposed by the ops server at /metrics:

	curl http://localhost:9464/metrics

# Available Metrics

Store:
  - duckdb_query_duration_seconds: store call latency (histogram)
    Labels: operation, table
  - duckdb_query_errors_total: failed store calls (counter)
    Labels: operation, table, error_type
  - circuit_breaker_state: 0=closed, 1=half-open, 2=open (gauge)
  - circuit_breaker_requests_total: Labels: name, result

Audit intake:
  - audit_entries_logged_total: Labels: risk_level
  - audit_queue_depth: entries buffered for the next flush (gauge)
  - audit_batch_flushes_total: Labels: result
  - audit_entries_dropped_total: entries lost to failed batch writes
  - audit_retention_deleted_total: rows removed by retention

Detection:
  - security_events_recorded_total: Labels: event_type, severity
  - threat_score: score distribution per analysis (histogram)
  - injection_detections_total: Labels: kind
  - ip_block_recommendations_total
  - geoip_lookups_total: Labels: result

Event bus:
  - event_bus_published_total: Labels: topic
  - event_bus_publish_errors_total: Labels: topic
  - nats_forwarded_total
*/
package metrics
