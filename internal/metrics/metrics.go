// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Store Metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of store calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_query_errors_total",
			Help: "Total number of failed store calls",
		},
		[]string{"operation", "table", "error_type"},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Audit Intake Metrics
	AuditEntriesLogged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_entries_logged_total",
			Help: "Total number of audit entries accepted by the intake service",
		},
		[]string{"risk_level"},
	)

	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_queue_depth",
			Help: "Audit entries buffered for the next flush",
		},
	)

	AuditBatchFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_batch_flushes_total",
			Help: "Total number of audit batch flushes",
		},
		[]string{"result"}, // "success", "failure"
	)

	AuditBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_batch_size",
			Help:    "Number of entries written per batch flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	AuditEntriesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_entries_dropped_total",
			Help: "Audit entries lost because their batch write failed",
		},
	)

	AuditEncryptedEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_encrypted_entries_total",
			Help: "Audit entries whose value fields were sealed",
		},
	)

	AuditRetentionDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_retention_deleted_total",
			Help: "Audit rows removed by retention cleanup",
		},
	)

	AuditRetentionRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_retention_runs_total",
			Help: "Retention cleanup runs",
		},
		[]string{"result"},
	)

	// Detection Metrics
	SecurityEventsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_events_recorded_total",
			Help: "Security events recorded",
		},
		[]string{"event_type", "severity"},
	)

	ThreatScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threat_score",
			Help:    "Distribution of computed threat scores",
			Buckets: []float64{0, 10, 25, 40, 55, 70, 85, 100, 150, 200},
		},
		[]string{"analysis"}, // "login", "data_access", "privilege", "intrusion"
	)

	InjectionDetections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "injection_detections_total",
			Help: "Injection attempts detected in request payloads",
		},
		[]string{"kind"}, // "sql", "xss"
	)

	IPBlockRecommendations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ip_block_recommendations_total",
			Help: "IP block recommendations emitted",
		},
	)

	BlockedIPs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blocked_ips",
			Help: "Addresses currently in the blocked set",
		},
	)

	GeoIPLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoip_lookups_total",
			Help: "GeoIP resolutions by outcome",
		},
		[]string{"result"}, // "hit", "miss", "error"
	)

	// Reporting Metrics
	ComplianceReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_reports_generated_total",
			Help: "Compliance reports generated",
		},
		[]string{"report_type"},
	)

	// Event Bus Metrics
	EventBusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_bus_published_total",
			Help: "Events published on the in-process bus",
		},
		[]string{"topic"},
	)

	EventBusPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_bus_publish_errors_total",
			Help: "Failed publishes on the in-process bus",
		},
		[]string{"topic"},
	)

	NATSForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nats_forwarded_total",
			Help: "Bus events forwarded to NATS",
		},
	)

	// Ops HTTP Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of ops HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Ops HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"method", "endpoint"},
	)

	// Application Info
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Application information",
		},
		[]string{"version", "go_version"},
	)
)

// RecordDBQuery records a store call metric
func RecordDBQuery(operation, table string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		errorType := err.Error()
		// Truncate long error messages
		if len(errorType) > 50 {
			errorType = errorType[:50]
		}
		DBQueryErrors.WithLabelValues(operation, table, errorType).Inc()
	}
}

// RecordAPIRequest records an ops HTTP request metric
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordAuditFlush records the outcome of one batch flush.
func RecordAuditFlush(size int, err error) {
	if err != nil {
		AuditBatchFlushes.WithLabelValues("failure").Inc()
		AuditEntriesDropped.Add(float64(size))
		return
	}
	AuditBatchFlushes.WithLabelValues("success").Inc()
	AuditBatchSize.Observe(float64(size))
}

// RecordRetention records a retention cleanup run.
func RecordRetention(deleted int64, err error) {
	if err != nil {
		AuditRetentionRuns.WithLabelValues("failure").Inc()
		return
	}
	AuditRetentionRuns.WithLabelValues("success").Inc()
	AuditRetentionDeleted.Add(float64(deleted))
}

// RecordSecurityEvent counts a recorded security event.
func RecordSecurityEvent(eventType, severity string) {
	SecurityEventsRecorded.WithLabelValues(eventType, severity).Inc()
}

// ObserveThreatScore records a computed score for an analysis kind.
func ObserveThreatScore(analysis string, score float64) {
	ThreatScore.WithLabelValues(analysis).Observe(score)
}
