// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package events

import (
	"errors"
	"time"
)

// ErrNATSNotEnabled is returned when the binary was built without -tags=nats.
var ErrNATSNotEnabled = errors.New("NATS forwarding not available: build with -tags=nats")

// NATSConfig configures forwarding of bus events to an external NATS server.
type NATSConfig struct {
	Enabled       bool          `koanf:"enabled"`
	URL           string        `koanf:"url" validate:"required_if=Enabled true"`
	SubjectPrefix string        `koanf:"subject_prefix"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// DefaultNATSConfig returns forwarding disabled with sensible connection settings.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Enabled:       false,
		URL:           "nats://127.0.0.1:4222",
		SubjectPrefix: "shelfwatch.",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Subject returns the NATS subject for a bus topic.
func (c NATSConfig) Subject(t Topic) string {
	return c.SubjectPrefix + string(t)
}
