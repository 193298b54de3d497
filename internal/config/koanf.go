// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when ConfigPathEnvVar is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/shelfwatch/config.yaml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "SHELFWATCH_CONFIG"

// Load builds the configuration from defaults, the config file and the
// environment, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// sliceConfigPaths accept comma-separated strings from the environment.
var sliceConfigPaths = []string{
	"security.whitelisted_ips",
	"detection.suspicious_agents",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps environment variables (lower-cased) to koanf paths.
var envMappings = map[string]string{
	"log_level":    "logging.level",
	"log_format":   "logging.format",
	"log_caller":   "logging.caller",
	"log_instance": "logging.instance",

	"audit_batch_size":     "audit.batch_size",
	"audit_flush_interval": "audit.flush_interval",
	"audit_encryption_key": "encryption.key",

	"audit_retention_mode":     "retention.mode",
	"audit_retention_days":     "retention.global_days",
	"audit_retention_schedule": "retention.schedule",

	"security_whitelisted_ips": "security.whitelisted_ips",
	"security_block_ttl":       "security.block_ttl",
	"security_timezone":        "detection.timezone",
	"security_agent_patterns":  "detection.suspicious_agents",
	"casbin_model_path":        "detection.permissions.model_path",
	"casbin_policy_path":       "detection.permissions.policy_path",
	"intrusion_scan_interval":  "intrusion.interval",

	"geoip_database_path": "geoip.database_path",
	"geoip_cache_size":    "geoip.cache_size",
	"geoip_cache_ttl":     "geoip.cache_ttl",

	"event_buffer":        "events.buffer",
	"nats_enabled":        "events.nats.enabled",
	"nats_url":            "events.nats.url",
	"nats_subject_prefix": "events.nats.subject_prefix",

	"database_backend":          "database.backend",
	"duckdb_path":               "database.duckdb.path",
	"duckdb_threads":            "database.duckdb.threads",
	"duckdb_max_memory":         "database.duckdb.max_memory",
	"breaker_failure_threshold": "database.breaker.failure_threshold",
	"breaker_timeout":           "database.breaker.timeout",

	"ops_addr":             "server.addr",
	"ops_shutdown_timeout": "server.shutdown_timeout",
}

// envTransformFunc returns the koanf path for a known variable and "" for
// everything else, which koanf then ignores.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
