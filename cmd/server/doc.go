// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

/*
Command server runs the Shelfwatch telemetry pipeline as a daemon.

It hosts the periodic parts of the pipeline under a suture supervisor tree:
the audit batch writer, the cron retention scheduler, the intrusion
aggregator and the block list pruner. An operations endpoint serves
Prometheus metrics, health and the current block recommendations.

Startup order:

 1. Configuration (koanf: defaults, YAML file, environment)
 2. Logging (zerolog, JSON or console)
 3. Store (DuckDB or in-memory) behind a gobreaker circuit breaker
 4. Field cipher, event bus, audit intake
 5. Detection (analyzer, injection detector, intrusion aggregator)
 6. Reporting
 7. Supervisor tree and ops server

Common environment variables:

	DATABASE_BACKEND=duckdb        # duckdb or memory
	DUCKDB_PATH=/data/shelfwatch.duckdb
	AUDIT_BATCH_SIZE=100
	AUDIT_FLUSH_INTERVAL=5s
	AUDIT_ENCRYPTION_KEY=<16+ chars>
	AUDIT_RETENTION_MODE=per_level # or global
	AUDIT_RETENTION_DAYS=90
	SECURITY_WHITELISTED_IPS=10.0.0.0/8,127.0.0.1
	GEOIP_DATABASE_PATH=/data/GeoLite2-City.mmdb
	OPS_ADDR=:9464
	LOG_LEVEL=info
	LOG_INSTANCE=branch-7          # stamped on every log line

NATS forwarding of bus events requires building with -tags nats and
NATS_ENABLED=true.

SIGINT or SIGTERM cancels the tree; the batch writer drains its queue before
the store is closed.
*/
package main
