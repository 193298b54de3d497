// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package detection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tomtom215/shelfwatch/internal/events"
	"github.com/tomtom215/shelfwatch/internal/models"
	"github.com/tomtom215/shelfwatch/internal/store"
)

// Tuesday, business hours in UTC.
var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// fakeRecorder stores events in the memory store like audit.Service does.
type fakeRecorder struct {
	st *store.MemoryStore

	mu     sync.Mutex
	events []models.SecurityEvent
}

func (r *fakeRecorder) RecordSecurityEvent(ctx context.Context, ev *models.SecurityEvent) (*models.SecurityEvent, error) {
	rec := *ev
	rec.ID = uuid.NewString()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = testNow
	}
	if err := r.st.CreateSecurityEvent(ctx, &rec); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.events = append(r.events, rec)
	r.mu.Unlock()
	return &rec, nil
}

func (r *fakeRecorder) ofType(eventType string) []models.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SecurityEvent
	for _, e := range r.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fakeBus struct {
	mu   sync.Mutex
	msgs map[events.Topic][]any
}

func (b *fakeBus) Publish(_ context.Context, topic events.Topic, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msgs == nil {
		b.msgs = make(map[events.Topic][]any)
	}
	b.msgs[topic] = append(b.msgs[topic], payload)
	return nil
}

func (b *fakeBus) get(topic events.Topic) []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.msgs[topic]
}

type fixture struct {
	st       *store.MemoryStore
	recorder *fakeRecorder
	bus      *fakeBus
	clock    *clockwork.FakeClock
	analyzer *Analyzer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	f := &fixture{
		st:       st,
		recorder: &fakeRecorder{st: st},
		bus:      &fakeBus{},
		clock:    clockwork.NewFakeClockAt(testNow),
	}
	opts = append([]Option{WithClock(f.clock)}, opts...)
	a, err := NewAnalyzer(st, f.recorder, f.bus, AnalyzerConfig{TimeZone: "UTC"}, opts...)
	if err != nil {
		t.Fatalf("NewAnalyzer() error = %v", err)
	}
	f.analyzer = a
	return f
}

func (f *fixture) saveAttempt(t *testing.T, a models.LoginAttempt) models.LoginAttempt {
	t.Helper()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := f.st.CreateLoginAttempt(context.Background(), &a); err != nil {
		t.Fatalf("CreateLoginAttempt() error = %v", err)
	}
	return a
}

func (f *fixture) saveUser(t *testing.T, id string, role models.Role) {
	t.Helper()
	if err := f.st.SaveUser(context.Background(), &models.User{ID: id, Username: id, Role: role}); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}
}

func hasString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
