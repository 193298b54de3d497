// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

// Package detection scores login attempts, data access and privilege use for
// signs of attack, scans request payloads for injection signatures, and runs
// a periodic intrusion scan over the persisted telemetry.
//
// Detection Architecture:
//
//	LoginAttempt / access / escalation -> Analyzer ----\
//	RequestData -----------------------> InjectionDetector --> EventRecorder (audit.Service)
//	ticker -----------------------------> IntrusionAggregator -/        |
//	                                                                    v
//	                                              security_events + threat_detected
//
// Scores are additive and uncapped. A SecurityEvent is recorded whenever a
// check crosses its threshold; severity is derived from the score.
//
// Blocking is advisory: brute force adds the source address to the IPRegistry
// and publishes block_ip, but nothing here rejects traffic.
//
// Supported checks:
//   - Login: geolocation anomaly and impossible travel, failed-attempt
//     frequency, unseen device fingerprint, automation user agents, time of day
//   - Data access: off-hours access, frequency spikes, bulk export, sensitive
//     entities
//   - Privilege escalation: unknown actor, casbin permission denial, targeting
//     a higher role, sensitive actions, repeated attempts
//   - Injection: ordered SQL and XSS signatures over every string leaf
//   - Intrusion: distributed brute force, escalation bursts, bulk reads and
//     configuration changes combined into one score
package detection
