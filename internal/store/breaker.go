// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/tomtom215/shelfwatch/internal/logging"
	"github.com/tomtom215/shelfwatch/internal/metrics"
	"github.com/tomtom215/shelfwatch/internal/models"
)

// ErrCircuitOpen is returned while the breaker rejects store calls.
var ErrCircuitOpen = errors.New("store circuit breaker is open")

// BreakerConfig configures BreakerStore.
type BreakerConfig struct {
	Name string `koanf:"name"`
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold uint32 `koanf:"failure_threshold" validate:"gte=1"`
	// Timeout is how long the circuit stays open before a half-open probe.
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
	// MaxRequests allowed through while half-open.
	MaxRequests uint32 `koanf:"max_requests" validate:"gte=1"`
}

// DefaultBreakerConfig returns the production breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "telemetry-store",
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		MaxRequests:      1,
	}
}

// BreakerStore wraps a Store with a circuit breaker and per-call metrics.
// ErrNotFound does not count as a failure.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker[any]
	name string
}

// NewBreakerStore wraps next.
func NewBreakerStore(next Store, cfg BreakerConfig) *BreakerStore {
	if cfg.Name == "" {
		cfg.Name = DefaultBreakerConfig().Name
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}

	metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidGroupField)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("[CIRCUIT BREAKER] State transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	return &BreakerStore{next: next, cb: cb, name: cfg.Name}
}

// State returns the current breaker state.
func (b *BreakerStore) State() gobreaker.State { return b.cb.State() }

// call runs fn through the breaker and records latency for table/op.
func call[T any](b *BreakerStore, op, table string, fn func() (T, error)) (T, error) {
	start := time.Now()
	res, err := b.cb.Execute(func() (any, error) {
		v, err := fn()
		return v, err
	})
	metrics.RecordDBQuery(op, table, time.Since(start), err)

	var zero T
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
			return zero, fmt.Errorf("%w: %s %s", ErrCircuitOpen, op, table)
		}
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
		// gobreaker still hands back the value on failure; callers get zero.
		return zero, err
	}
	metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()

	typed, ok := res.(T)
	if !ok && res != nil {
		return zero, fmt.Errorf("circuit breaker: unexpected result type %T", res)
	}
	return typed, nil
}

func exec(b *BreakerStore, op, table string, fn func() error) error {
	_, err := call(b, op, table, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// Close implements Store. It bypasses the breaker.
func (b *BreakerStore) Close() error { return b.next.Close() }

func (b *BreakerStore) CreateAuditLog(ctx context.Context, entry *models.AuditLogEntry) error {
	return exec(b, "insert", "audit_logs", func() error { return b.next.CreateAuditLog(ctx, entry) })
}

func (b *BreakerStore) CreateAuditLogs(ctx context.Context, entries []*models.AuditLogEntry) error {
	return exec(b, "insert_batch", "audit_logs", func() error { return b.next.CreateAuditLogs(ctx, entries) })
}

func (b *BreakerStore) FindAuditLogs(ctx context.Context, f AuditLogFilter) ([]models.AuditLogEntry, error) {
	return call(b, "select", "audit_logs", func() ([]models.AuditLogEntry, error) { return b.next.FindAuditLogs(ctx, f) })
}

func (b *BreakerStore) CountAuditLogs(ctx context.Context, f AuditLogFilter) (int64, error) {
	return call(b, "count", "audit_logs", func() (int64, error) { return b.next.CountAuditLogs(ctx, f) })
}

func (b *BreakerStore) GroupAuditLogs(ctx context.Context, f AuditLogFilter, spec GroupSpec) ([]GroupCount, error) {
	return call(b, "group", "audit_logs", func() ([]GroupCount, error) { return b.next.GroupAuditLogs(ctx, f, spec) })
}

func (b *BreakerStore) DeleteAuditLogs(ctx context.Context, cutoffs RetentionCutoffs) (int64, error) {
	return call(b, "delete", "audit_logs", func() (int64, error) { return b.next.DeleteAuditLogs(ctx, cutoffs) })
}

func (b *BreakerStore) CreateSecurityEvent(ctx context.Context, ev *models.SecurityEvent) error {
	return exec(b, "insert", "security_events", func() error { return b.next.CreateSecurityEvent(ctx, ev) })
}

func (b *BreakerStore) GetSecurityEvent(ctx context.Context, id string) (*models.SecurityEvent, error) {
	return call(b, "get", "security_events", func() (*models.SecurityEvent, error) { return b.next.GetSecurityEvent(ctx, id) })
}

func (b *BreakerStore) FindSecurityEvents(ctx context.Context, f SecurityEventFilter) ([]models.SecurityEvent, error) {
	return call(b, "select", "security_events", func() ([]models.SecurityEvent, error) { return b.next.FindSecurityEvents(ctx, f) })
}

func (b *BreakerStore) CountSecurityEvents(ctx context.Context, f SecurityEventFilter) (int64, error) {
	return call(b, "count", "security_events", func() (int64, error) { return b.next.CountSecurityEvents(ctx, f) })
}

func (b *BreakerStore) GroupSecurityEvents(ctx context.Context, f SecurityEventFilter, spec GroupSpec) ([]GroupCount, error) {
	return call(b, "group", "security_events", func() ([]GroupCount, error) { return b.next.GroupSecurityEvents(ctx, f, spec) })
}

func (b *BreakerStore) CreateLoginAttempt(ctx context.Context, a *models.LoginAttempt) error {
	return exec(b, "insert", "login_attempts", func() error { return b.next.CreateLoginAttempt(ctx, a) })
}

func (b *BreakerStore) FindLoginAttempts(ctx context.Context, f LoginAttemptFilter) ([]models.LoginAttempt, error) {
	return call(b, "select", "login_attempts", func() ([]models.LoginAttempt, error) { return b.next.FindLoginAttempts(ctx, f) })
}

func (b *BreakerStore) CountLoginAttempts(ctx context.Context, f LoginAttemptFilter) (int64, error) {
	return call(b, "count", "login_attempts", func() (int64, error) { return b.next.CountLoginAttempts(ctx, f) })
}

func (b *BreakerStore) GroupLoginAttempts(ctx context.Context, f LoginAttemptFilter, spec GroupSpec) ([]GroupCount, error) {
	return call(b, "group", "login_attempts", func() ([]GroupCount, error) { return b.next.GroupLoginAttempts(ctx, f, spec) })
}

func (b *BreakerStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return call(b, "get", "users", func() (*models.User, error) { return b.next.GetUser(ctx, id) })
}

func (b *BreakerStore) SaveUser(ctx context.Context, u *models.User) error {
	return exec(b, "upsert", "users", func() error { return b.next.SaveUser(ctx, u) })
}
