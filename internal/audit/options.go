// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package audit

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tomtom215/shelfwatch/internal/models"
	"github.com/tomtom215/shelfwatch/internal/risk"
)

// Config holds configuration for the batch writer.
type Config struct {
	// BatchSize triggers an inline flush once the queue reaches it.
	BatchSize int `koanf:"batch_size" validate:"gte=1"`

	// FlushInterval is the period of the background flush.
	FlushInterval time.Duration `koanf:"flush_interval" validate:"gt=0"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
	}
}

// Option customizes a Service or RetentionScheduler.
type Option func(*options)

type options struct {
	clock clockwork.Clock
}

// WithClock injects the clock used for timestamps and tickers.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

func applyOptions(opts []Option) options {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// LogOptions are the optional fields of an audit entry. Every field may be
// left zero.
type LogOptions struct {
	UserID   string
	UserRole string

	// Changes, OldValues, NewValues, RequestInfo and ResourceUsage are JSON
	// encoded. A value that cannot be encoded is dropped and logged.
	Changes       any
	OldValues     any
	NewValues     any
	RequestInfo   any
	ResourceUsage any

	SessionID string
	IPAddress string
	UserAgent string
	Location  *models.Geolocation

	// Result defaults to success.
	Result       models.Result
	ErrorDetails string

	// RiskLevel overrides the computed level when valid.
	RiskLevel models.RiskLevel

	ComplianceFlags []string

	// CorrelationID defaults to the correlation ID carried by ctx.
	CorrelationID string
	ParentLogID   string
	ExecutionTime time.Duration

	// RequiresEscalation publishes alertRequired for high/critical entries.
	RequiresEscalation bool

	// Hints become security flags.
	Hints risk.Hints

	// Internal marks a self-log of the pipeline: the entry is tagged
	// report_generation, publishes no logCreated event and is excluded from
	// report data.
	Internal bool
}

// WithHTTPRequest returns a copy of o with client address, user agent and
// request line taken from r. Fields already set on o are kept.
func (o LogOptions) WithHTTPRequest(r *http.Request) LogOptions {
	if r == nil {
		return o
	}
	if o.IPAddress == "" {
		o.IPAddress = ClientIP(r)
	}
	if o.UserAgent == "" {
		o.UserAgent = r.UserAgent()
	}
	if o.RequestInfo == nil {
		o.RequestInfo = map[string]string{
			"method": r.Method,
			"path":   r.URL.Path,
			"host":   r.Host,
		}
	}
	return o
}

// ClientIP extracts the originating client address from a request, preferring
// the first X-Forwarded-For hop, then X-Real-IP, then RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
