// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package models

import (
	"math"
	"time"
)

// LoginAttempt is written by the authentication flow and read by the threat
// analyzer. Append-only.
type LoginAttempt struct {
	ID                string       `json:"id"`
	Username          string       `json:"username"`
	IPAddress         string       `json:"ip_address"`
	Success           bool         `json:"success"`
	UserAgent         string       `json:"user_agent,omitempty"`
	DeviceFingerprint string       `json:"device_fingerprint,omitempty"`
	Location          *Geolocation `json:"location,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// Geolocation is the resolved position of an IP address.
type Geolocation struct {
	Country   string  `json:"country,omitempty"`
	Region    string  `json:"region,omitempty"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// coordinateEpsilon treats (0,0) with float noise as "no coordinates".
const coordinateEpsilon = 0.0001

// HasCoordinates reports whether the location carries a usable position.
// Lookups that fail often yield (0,0), which is treated as unknown.
func (g *Geolocation) HasCoordinates() bool {
	if g == nil {
		return false
	}
	return math.Abs(g.Latitude) > coordinateEpsilon || math.Abs(g.Longitude) > coordinateEpsilon
}

// RegionKey identifies the country/region pair used for "new location" checks.
func (g *Geolocation) RegionKey() string {
	if g == nil || g.Country == "" {
		return ""
	}
	return g.Country + "/" + g.Region
}

// User is the read-only view of an application user used for enrichment
// and privilege checks.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}
