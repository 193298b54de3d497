// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/shelfwatch/internal/logging"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	bus := NewBus(DefaultConfig())
	t.Cleanup(func() { _ = bus.Close() })

	got := make(chan Event, 1)
	err := bus.Subscribe(context.Background(), TopicBlockIP, "test", func(_ context.Context, ev Event) error {
		got <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	ctx := logging.ContextWithCorrelationID(context.Background(), "corr-123")
	want := BlockRecommendation{IPAddress: "203.0.113.9", Reason: "brute_force_attack", RiskScore: 70}
	if err := bus.Publish(ctx, TopicBlockIP, want); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	ev := receive(t, got)
	if ev.Topic != TopicBlockIP || ev.ID == "" {
		t.Errorf("event = %+v", ev)
	}
	if ev.CorrelationID != "corr-123" {
		t.Errorf("correlation id = %q, want corr-123", ev.CorrelationID)
	}
	var rec BlockRecommendation
	if err := ev.Decode(&rec); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if rec.IPAddress != want.IPAddress || rec.RiskScore != 70 {
		t.Errorf("decoded = %+v", rec)
	}
}

func TestFailingHandlerKeepsConsuming(t *testing.T) {
	bus := NewBus(DefaultConfig())
	t.Cleanup(func() { _ = bus.Close() })

	got := make(chan Event, 2)
	calls := 0
	_ = bus.Subscribe(context.Background(), TopicBatchProcessed, "flaky", func(_ context.Context, ev Event) error {
		calls++
		got <- ev
		if calls == 1 {
			return errors.New("listener failed")
		}
		panic("listener exploded")
	})

	for i := 0; i < 2; i++ {
		if err := bus.Publish(context.Background(), TopicBatchProcessed, BatchProcessed{Count: i}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		receive(t, got)
	}
}

func TestDefaultListenersAcceptCriticalTopics(t *testing.T) {
	bus := NewBus(DefaultConfig())
	t.Cleanup(func() { _ = bus.Close() })

	// Publishing must succeed even with no caller-registered listener.
	if err := bus.Publish(context.Background(), TopicCriticalThreat, CriticalThreat{Score: 140}); err != nil {
		t.Errorf("Publish(critical_threat) error = %v", err)
	}
	if err := bus.Publish(context.Background(), TopicAlertRequired, AlertRequired{EntryID: "x", RiskLevel: "high"}); err != nil {
		t.Errorf("Publish(alertRequired) error = %v", err)
	}
}

func TestClosedBus(t *testing.T) {
	bus := NewBus(DefaultConfig())
	if err := bus.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := bus.Publish(context.Background(), TopicLogCreated, struct{}{}); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Publish after close error = %v, want ErrBusClosed", err)
	}
	if err := bus.Subscribe(context.Background(), TopicLogCreated, "late", nil); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Subscribe after close error = %v, want ErrBusClosed", err)
	}
}

func TestNATSSubject(t *testing.T) {
	cfg := DefaultNATSConfig()
	if got := cfg.Subject(TopicThreatDetected); got != "shelfwatch.threat_detected" {
		t.Errorf("Subject() = %q", got)
	}
}
