// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

//go:build !nats

package events

import "context"

// NATSForwarder is a stub when NATS dependencies are not compiled in.
// Build with -tags=nats to enable forwarding.
type NATSForwarder struct{}

// NewNATSForwarder returns ErrNATSNotEnabled.
func NewNATSForwarder(_ *Bus, _ NATSConfig) (*NATSForwarder, error) {
	return nil, ErrNATSNotEnabled
}

// Serve returns ErrNATSNotEnabled.
func (f *NATSForwarder) Serve(_ context.Context) error { return ErrNATSNotEnabled }

// String implements fmt.Stringer.
func (f *NATSForwarder) String() string { return "nats-forwarder" }
