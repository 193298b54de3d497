// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package logging

// Redaction helpers for values that reach the operator log stream. The
// audit store keeps the full values; only diagnostic log lines are masked.

// RedactUsername keeps the first two characters of a username.
// Example: "johndoe" -> "jo***"
func RedactUsername(username string) string {
	if username == "" {
		return ""
	}
	if len(username) <= 2 {
		return "***"
	}
	return username[:2] + "***"
}

// RedactID masks an identifier, keeping the first and last four characters.
// Example: "8d1f0c2e-93a4-4c1b" -> "8d1f...4c1b"
func RedactID(id string) string {
	if id == "" {
		return ""
	}
	if len(id) <= 8 {
		return "***"
	}
	return id[:4] + "..." + id[len(id)-4:]
}

// Truncate shortens s to maxLen bytes, appending "..." when cut.
// User agents and matched payload fragments go through it before logging.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
