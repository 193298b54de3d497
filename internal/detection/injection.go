// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package detection

import (
	"context"
	"regexp"

	"github.com/tomtom215/shelfwatch/internal/metrics"
	"github.com/tomtom215/shelfwatch/internal/models"
)

// signature is a named, precompiled payload pattern.
type signature struct {
	name string
	re   *regexp.Regexp
}

// sqlSignatures are evaluated in order; the first match per field wins.
var sqlSignatures = []signature{
	{"union_select", regexp.MustCompile(`(?i)\bunion\b(\s+all)?\s+select\b`)},
	{"stacked_statement", regexp.MustCompile(`(?i);\s*(drop|delete|insert|update|alter|create|truncate|exec)\b`)},
	{"tautology", regexp.MustCompile(`(?i)'\s*(or|and)\s+'?\w+'?\s*=\s*'?\w+`)},
	{"numeric_tautology", regexp.MustCompile(`(?i)\b(or|and)\s+\d+\s*=\s*\d+`)},
	{"comment_after_quote", regexp.MustCompile(`'\s*(--|#|/\*)`)},
	{"inline_comment", regexp.MustCompile(`/\*.*?\*/`)},
	{"quote_breakout", regexp.MustCompile(`'\s*(;|\)|\|\|)`)},
	{"drop_object", regexp.MustCompile(`(?i)\bdrop\s+(table|database|schema)\b`)},
	{"exec_call", regexp.MustCompile(`(?i)\b(exec|execute)\s*\(|\bxp_cmdshell\b`)},
	{"waitfor_delay", regexp.MustCompile(`(?i)\bwaitfor\s+delay\b`)},
	{"information_schema", regexp.MustCompile(`(?i)\binformation_schema\b`)},
	{"timing_function", regexp.MustCompile(`(?i)\b(sleep|benchmark|pg_sleep)\s*\(`)},
}

// xssSignatures are evaluated in order; the first match per field wins.
var xssSignatures = []signature{
	{"script_tag", regexp.MustCompile(`(?i)<\s*script\b`)},
	{"iframe_tag", regexp.MustCompile(`(?i)<\s*iframe\b`)},
	{"event_handler", regexp.MustCompile(`(?i)<[^>]*\bon[a-z]+\s*=`)},
	{"script_protocol", regexp.MustCompile(`(?i)\b(javascript|vbscript)\s*:`)},
	{"eval_call", regexp.MustCompile(`(?i)\beval\s*\(`)},
	{"css_expression", regexp.MustCompile(`(?i)\bexpression\s*\(`)},
}

// RequestData is the payload of an inbound request plus its origin. Query,
// Body and Params may hold any shape.
type RequestData struct {
	Query  models.Value
	Body   models.Value
	Params models.Value

	UserID    string
	IPAddress string
	UserAgent string
	Path      string
}

// InjectionMatch is one flagged field.
type InjectionMatch struct {
	Field   string `json:"field"`
	Pattern string `json:"pattern"`
	Value   string `json:"value"`
}

// InjectionResult lists every flagged field.
type InjectionResult struct {
	Detected bool             `json:"detected"`
	Matches  []InjectionMatch `json:"matches"`
	EventID  string           `json:"event_id,omitempty"`
}

const (
	// maxRecordedValue bounds the excerpt stored in event data.
	maxRecordedValue = 200

	scoreInjectionMatch = 40
)

// InjectionDetector scans request payloads for SQL injection and XSS.
type InjectionDetector struct {
	recorder EventRecorder
	severity models.Severity
}

// NewInjectionDetector creates a detector that records results through
// recorder, which may be nil.
func NewInjectionDetector(recorder EventRecorder) *InjectionDetector {
	return &InjectionDetector{
		recorder: recorder,
		severity: DefaultThreatRules()[RuleInjectionSignatures].Severity,
	}
}

// DetectSQLInjection scans every string leaf for SQL injection signatures.
func (d *InjectionDetector) DetectSQLInjection(ctx context.Context, data RequestData) InjectionResult {
	return d.detect(ctx, data, sqlSignatures, models.EventSQLInjection, "sql")
}

// DetectXSSAttempt scans every string leaf for cross-site scripting signatures.
func (d *InjectionDetector) DetectXSSAttempt(ctx context.Context, data RequestData) InjectionResult {
	return d.detect(ctx, data, xssSignatures, models.EventXSSAttempt, "xss")
}

func (d *InjectionDetector) detect(ctx context.Context, data RequestData, sigs []signature, eventType, kind string) InjectionResult {
	result := InjectionResult{Matches: scanRequest(data, sigs)}
	result.Detected = len(result.Matches) > 0
	if !result.Detected {
		return result
	}

	metrics.InjectionDetections.WithLabelValues(kind).Inc()
	result.EventID = recordEvent(ctx, d.recorder, &models.SecurityEvent{
		EventType: eventType,
		Severity:  d.severity,
		EventData: mustJSON(map[string]any{
			"matches": result.Matches,
		}),
		ContextData: mustJSON(map[string]any{
			"path": data.Path,
		}),
		UserID:    data.UserID,
		IPAddress: data.IPAddress,
		UserAgent: data.UserAgent,
		RiskScore: float64(len(result.Matches) * scoreInjectionMatch),
	})
	return result
}

// scanRequest walks query, body and params in that order.
func scanRequest(data RequestData, sigs []signature) []InjectionMatch {
	matches := []InjectionMatch{}
	visit := func(path string, leaf models.Value) {
		text, ok := leaf.Text()
		if !ok || text == "" {
			return
		}
		for _, sig := range sigs {
			if sig.re.MatchString(text) {
				matches = append(matches, InjectionMatch{
					Field:   path,
					Pattern: sig.name,
					Value:   excerpt(text),
				})
				return
			}
		}
	}
	data.Query.Walk("query", visit)
	data.Body.Walk("body", visit)
	data.Params.Walk("params", visit)
	return matches
}

func excerpt(s string) string {
	if len(s) <= maxRecordedValue {
		return s
	}
	return s[:maxRecordedValue]
}
