// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

// Package config loads the daemon configuration with koanf.
//
// Sources are layered, later ones winning:
//
//  1. Built-in defaults (the Default* constructors of each component)
//  2. A YAML file: $SHELFWATCH_CONFIG, then config.yaml / config.yml, then
//     /etc/shelfwatch/config.yaml
//  3. Environment variables (see envMappings)
//
// Comma-separated environment values are split into slices for list
// settings such as SECURITY_WHITELISTED_IPS.
//
// Example config.yaml:
//
//	audit:
//	  batch_size: 200
//	  flush_interval: 2s
//	retention:
//	  mode: per_level
//	  schedule: "0 3 * * *"
//	security:
//	  whitelisted_ips: ["10.0.0.0/8", "127.0.0.1"]
//	database:
//	  backend: duckdb
//	  duckdb:
//	    path: /var/lib/shelfwatch/telemetry.duckdb
package config

import (
	"time"

	"github.com/tomtom215/shelfwatch/internal/audit"
	"github.com/tomtom215/shelfwatch/internal/detection"
	"github.com/tomtom215/shelfwatch/internal/events"
	"github.com/tomtom215/shelfwatch/internal/logging"
	"github.com/tomtom215/shelfwatch/internal/store"
)

// Database backends.
const (
	BackendMemory = "memory"
	BackendDuckDB = "duckdb"
)

// Config is the complete daemon configuration.
type Config struct {
	Logging    logging.Config            `koanf:"logging"`
	Audit      audit.Config              `koanf:"audit"`
	Encryption EncryptionConfig          `koanf:"encryption"`
	Retention  audit.RetentionConfig     `koanf:"retention"`
	Security   SecurityConfig            `koanf:"security"`
	Detection  detection.AnalyzerConfig  `koanf:"detection"`
	Intrusion  detection.IntrusionConfig `koanf:"intrusion"`
	GeoIP      GeoIPConfig               `koanf:"geoip"`
	Events     events.Config             `koanf:"events"`
	Database   DatabaseConfig            `koanf:"database"`
	Server     ServerConfig              `koanf:"server"`
}

// EncryptionConfig holds the field cipher secret.
//
// Environment Variables:
//   - AUDIT_ENCRYPTION_KEY: secret for sensitive audit fields. Empty disables
//     encryption and sensitive fields are stored as plaintext.
type EncryptionConfig struct {
	Key string `koanf:"key"`
}

// SecurityConfig configures block recommendations.
type SecurityConfig struct {
	// WhitelistedIPs are addresses or CIDR prefixes never scored or blocked.
	WhitelistedIPs []string `koanf:"whitelisted_ips" validate:"dive,ip_or_cidr"`

	// BlockTTL is how long a block recommendation is kept in memory.
	BlockTTL time.Duration `koanf:"block_ttl" validate:"gt=0"`
}

// GeoIPConfig configures offline geolocation of login addresses.
type GeoIPConfig struct {
	// DatabasePath is a MaxMind GeoLite2/GeoIP2 City database. Empty disables
	// lookups; attempts then only carry the location supplied by the caller.
	DatabasePath string        `koanf:"database_path"`
	CacheSize    int           `koanf:"cache_size" validate:"gte=1"`
	CacheTTL     time.Duration `koanf:"cache_ttl" validate:"gt=0"`
}

// DatabaseConfig selects and tunes the persistence backend.
type DatabaseConfig struct {
	Backend string              `koanf:"backend" validate:"oneof=memory duckdb"`
	DuckDB  store.DuckDBConfig  `koanf:"duckdb"`
	Breaker store.BreakerConfig `koanf:"breaker"`
}

// ServerConfig configures the operations endpoint.
type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// defaultConfig returns the defaults every other source overrides.
func defaultConfig() *Config {
	return &Config{
		Logging:    logging.DefaultConfig(),
		Audit:      audit.DefaultConfig(),
		Encryption: EncryptionConfig{},
		Retention:  audit.DefaultRetentionConfig(),
		Security: SecurityConfig{
			WhitelistedIPs: []string{},
			BlockTTL:       24 * time.Hour,
		},
		Detection: detection.DefaultAnalyzerConfig(),
		Intrusion: detection.DefaultIntrusionConfig(),
		GeoIP: GeoIPConfig{
			CacheSize: 10000,
			CacheTTL:  time.Hour,
		},
		Events: events.DefaultConfig(),
		Database: DatabaseConfig{
			Backend: BackendDuckDB,
			DuckDB:  store.DefaultDuckDBConfig(),
			Breaker: store.DefaultBreakerConfig(),
		},
		Server: ServerConfig{
			Addr:            ":9464",
			ReadTimeout:     10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
	}
}
