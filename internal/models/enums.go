// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package models

// RiskLevel is the qualitative risk of an audit entry.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevels lists every level from least to most severe.
var RiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}

// Rank orders levels; unknown values rank below low.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether r is one of the four known levels.
func (r RiskLevel) Valid() bool { return r.Rank() > 0 }

// IsElevated reports whether entries at this level take the synchronous
// persistence path (high and critical).
func (r RiskLevel) IsElevated() bool { return r.Rank() >= RiskHigh.Rank() }

// Severity is the severity of a security event. It shares the risk level domain.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return RiskLevel(s).Valid() }

// Result is the outcome of an audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Role is a library user role. Ranked admin > librarian > patron.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleLibrarian Role = "librarian"
	RolePatron    Role = "patron"
)

// Rank orders roles for hierarchy checks; unknown roles rank lowest.
func (r Role) Rank() int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleLibrarian:
		return 2
	case RolePatron:
		return 1
	default:
		return 0
	}
}

// Outranks reports whether r sits strictly above other in the hierarchy.
func (r Role) Outranks(other Role) bool { return r.Rank() > other.Rank() }
