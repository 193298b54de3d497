// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tomtom215/shelfwatch/internal/cipher"
	"github.com/tomtom215/shelfwatch/internal/events"
	"github.com/tomtom215/shelfwatch/internal/logging"
	"github.com/tomtom215/shelfwatch/internal/models"
	"github.com/tomtom215/shelfwatch/internal/risk"
	"github.com/tomtom215/shelfwatch/internal/store"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type published struct {
	topic   events.Topic
	payload any
}

// recordingBus captures every publish.
type recordingBus struct {
	mu   sync.Mutex
	msgs []published
}

func (b *recordingBus) Publish(_ context.Context, topic events.Topic, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{topic: topic, payload: payload})
	return nil
}

func (b *recordingBus) count(topic events.Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.msgs {
		if m.topic == topic {
			n++
		}
	}
	return n
}

// flakyStore fails batch inserts while failBatch is set and can slow them
// down to widen race windows.
type flakyStore struct {
	*store.MemoryStore
	failBatch  atomic.Bool
	failSingle atomic.Bool
	delay      time.Duration
	batches    atomic.Int32
}

func (f *flakyStore) CreateAuditLog(ctx context.Context, e *models.AuditLogEntry) error {
	if f.failSingle.Load() {
		return errors.New("store unavailable")
	}
	return f.MemoryStore.CreateAuditLog(ctx, e)
}

func (f *flakyStore) CreateAuditLogs(ctx context.Context, entries []*models.AuditLogEntry) error {
	f.batches.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failBatch.Load() {
		return errors.New("store unavailable")
	}
	return f.MemoryStore.CreateAuditLogs(ctx, entries)
}

func newTestService(t *testing.T, st Store, fc *cipher.FieldCipher, cfg Config) (*Service, *recordingBus, *clockwork.FakeClock) {
	t.Helper()
	bus := &recordingBus{}
	clock := clockwork.NewFakeClockAt(testNow)
	return NewService(st, fc, bus, cfg, WithClock(clock)), bus, clock
}

func countLogs(t *testing.T, st store.AuditLogStore) int64 {
	t.Helper()
	n, err := st.CountAuditLogs(context.Background(), store.AuditLogFilter{})
	if err != nil {
		t.Fatalf("CountAuditLogs() error = %v", err)
	}
	return n
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestLogLowRiskIsQueued(t *testing.T) {
	st := store.NewMemoryStore()
	svc, bus, _ := newTestService(t, st, nil, DefaultConfig())

	entry, err := svc.Log(context.Background(), "create", "Book", "42", "created book", LogOptions{})
	if err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	if entry.RiskLevel != models.RiskLow || entry.IsEncrypted {
		t.Errorf("entry risk=%s encrypted=%v, want low/false", entry.RiskLevel, entry.IsEncrypted)
	}
	if entry.Result != models.ResultSuccess || !entry.CreatedAt.Equal(testNow) {
		t.Errorf("entry defaults = %+v", entry)
	}
	if got := countLogs(t, st); got != 0 {
		t.Errorf("persisted before flush = %d, want 0", got)
	}
	if svc.QueueLen() != 1 {
		t.Errorf("QueueLen() = %d, want 1", svc.QueueLen())
	}
	if bus.count(events.TopicLogCreated) != 1 {
		t.Errorf("logCreated published %d times", bus.count(events.TopicLogCreated))
	}

	n, err := svc.Flush(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Flush() = %d, %v", n, err)
	}
	if got := countLogs(t, st); got != 1 {
		t.Errorf("persisted after flush = %d, want 1", got)
	}
	if bus.count(events.TopicBatchProcessed) != 1 {
		t.Error("batchProcessed not published")
	}
}

func TestLogHighRiskPersistsImmediately(t *testing.T) {
	st := store.NewMemoryStore()
	fc, err := cipher.New("test-secret")
	if err != nil {
		t.Fatalf("cipher.New() error = %v", err)
	}
	svc, bus, _ := newTestService(t, st, fc, DefaultConfig())

	entry, err := svc.Log(context.Background(), "delete", "User", "7", "deleted user", LogOptions{
		OldValues:          map[string]string{"email": "reader@example.org"},
		RequiresEscalation: true,
	})
	if err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	if entry.RiskLevel != models.RiskHigh || !entry.IsEncrypted {
		t.Errorf("entry risk=%s encrypted=%v, want high/true", entry.RiskLevel, entry.IsEncrypted)
	}
	if !cipher.IsSealed(entry.OldValues) {
		t.Errorf("old values not sealed: %s", entry.OldValues)
	}
	if got := countLogs(t, st); got != 1 {
		t.Fatalf("persisted before flush = %d, want 1", got)
	}
	if bus.count(events.TopicAlertRequired) != 1 {
		t.Error("alertRequired not published")
	}

	n, err := svc.Flush(context.Background())
	if err != nil || n != 0 {
		t.Errorf("Flush() = %d, %v; want 0 written", n, err)
	}
	if got := countLogs(t, st); got != 1 {
		t.Errorf("entry duplicated by batch: %d rows", got)
	}
}

func TestLogSensitiveEntryWithoutKey(t *testing.T) {
	st := store.NewMemoryStore()
	svc, _, _ := newTestService(t, st, nil, DefaultConfig())

	entry, err := svc.Log(context.Background(), "delete", "User", "7", "deleted user", LogOptions{
		OldValues: map[string]string{"email": "reader@example.org"},
	})
	if err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	if entry.RiskLevel != models.RiskHigh || !entry.IsEncrypted {
		t.Errorf("entry risk=%s encrypted=%v, want high/true", entry.RiskLevel, entry.IsEncrypted)
	}
	if cipher.IsSealed(entry.OldValues) {
		t.Error("old values sealed without a key")
	}
	if string(entry.OldValues) != `{"email":"reader@example.org"}` {
		t.Errorf("old values = %s", entry.OldValues)
	}
}

func TestLogSynchronousFailureIsRetriedByBatch(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	st.failSingle.Store(true)
	svc, _, _ := newTestService(t, st, nil, DefaultConfig())

	entry, err := svc.Log(context.Background(), "system_config", "SystemConfig", "", "changed", LogOptions{})
	if err == nil || entry == nil {
		t.Fatalf("Log() = %v, %v; want entry and error", entry, err)
	}

	n, err := svc.Flush(context.Background())
	if err != nil || n != 1 {
		t.Errorf("Flush() = %d, %v; want 1 written", n, err)
	}
}

func TestLogBatchSizeTriggersFlush(t *testing.T) {
	st := store.NewMemoryStore()
	svc, _, _ := newTestService(t, st, nil, Config{BatchSize: 3, FlushInterval: time.Hour})

	for i := 0; i < 3; i++ {
		if _, err := svc.Log(context.Background(), "view", "Book", "", "", LogOptions{}); err != nil {
			t.Fatalf("Log() error = %v", err)
		}
	}
	if got := countLogs(t, st); got != 3 {
		t.Errorf("persisted = %d, want 3", got)
	}
	if svc.QueueLen() != 0 {
		t.Errorf("QueueLen() = %d, want 0", svc.QueueLen())
	}
}

func TestFlushFailureDropsBatch(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	st.failBatch.Store(true)
	svc, bus, _ := newTestService(t, st, nil, DefaultConfig())

	_, _ = svc.Log(context.Background(), "view", "Book", "", "", LogOptions{})
	_, _ = svc.Log(context.Background(), "view", "Book", "", "", LogOptions{})

	if _, err := svc.Flush(context.Background()); err == nil {
		t.Fatal("Flush() error = nil, want failure")
	}
	if svc.QueueLen() != 0 {
		t.Errorf("QueueLen() = %d, want dropped batch", svc.QueueLen())
	}

	st.failBatch.Store(false)
	n, err := svc.Flush(context.Background())
	if err != nil || n != 0 {
		t.Errorf("second Flush() = %d, %v; want nothing requeued", n, err)
	}
	if bus.count(events.TopicBatchProcessed) != 0 {
		t.Error("batchProcessed published for a failed batch")
	}
}

func TestConcurrentFlushNeverDuplicates(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), delay: 5 * time.Millisecond}
	svc, _, _ := newTestService(t, st, nil, Config{BatchSize: 1000, FlushInterval: time.Hour})
	ctx := context.Background()

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, _ = svc.Log(ctx, "view", "Book", "", "", LogOptions{})
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_, _ = svc.Flush(ctx)
			}
		}()
	}
	wg.Wait()
	if err := svc.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	rows, err := st.FindAuditLogs(ctx, store.AuditLogFilter{})
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		if seen[r.ID] {
			t.Fatalf("entry %s inserted twice", r.ID)
		}
		seen[r.ID] = true
	}
	if len(rows) != writers*perWriter {
		t.Errorf("persisted %d rows, want %d", len(rows), writers*perWriter)
	}
}

func TestRunFlushesOnTickAndDrainsOnStop(t *testing.T) {
	st := store.NewMemoryStore()
	svc, _, clock := newTestService(t, st, nil, Config{BatchSize: 100, FlushInterval: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("ticker never started: %v", err)
	}

	_, _ = svc.Log(context.Background(), "view", "Book", "", "", LogOptions{})
	clock.Advance(time.Second)
	eventually(t, func() bool { return countLogs(t, st) == 1 })

	_, _ = svc.Log(context.Background(), "view", "Book", "", "", LogOptions{})
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop")
	}
	if got := countLogs(t, st); got != 2 {
		t.Errorf("persisted after stop = %d, want 2", got)
	}
}

func TestInternalEntries(t *testing.T) {
	st := store.NewMemoryStore()
	svc, bus, _ := newTestService(t, st, nil, DefaultConfig())

	entry, _ := svc.Log(context.Background(), "generate_report", "Report", "", "", LogOptions{Internal: true})
	if !entry.HasComplianceFlag(models.FlagReportGeneration) {
		t.Errorf("compliance flags = %v", entry.ComplianceFlags)
	}
	if bus.count(events.TopicLogCreated) != 0 {
		t.Error("internal entry published logCreated")
	}
}

func TestCorrelationFromContext(t *testing.T) {
	svc, _, _ := newTestService(t, store.NewMemoryStore(), nil, DefaultConfig())
	ctx := logging.ContextWithCorrelationID(context.Background(), "req-9")

	entry, _ := svc.Log(ctx, "view", "Book", "", "", LogOptions{})
	if entry.CorrelationID != "req-9" {
		t.Errorf("correlation = %q, want req-9", entry.CorrelationID)
	}
	entry, _ = svc.Log(ctx, "view", "Book", "", "", LogOptions{CorrelationID: "explicit"})
	if entry.CorrelationID != "explicit" {
		t.Errorf("correlation = %q, want explicit", entry.CorrelationID)
	}
}

func TestSecurityFlagsRaiseRisk(t *testing.T) {
	svc, _, _ := newTestService(t, store.NewMemoryStore(), nil, DefaultConfig())

	entry, _ := svc.Log(context.Background(), "view", "Book", "", "", LogOptions{
		Hints: risk.Hints{FailedAttempts: 4},
	})
	if entry.RiskLevel != models.RiskMedium {
		t.Errorf("risk = %s, want medium", entry.RiskLevel)
	}
	if len(entry.SecurityFlags) != 1 || entry.SecurityFlags[0] != models.FlagMultipleFailures {
		t.Errorf("flags = %v", entry.SecurityFlags)
	}
}

func TestWrappers(t *testing.T) {
	st := store.NewMemoryStore()
	svc, bus, _ := newTestService(t, st, nil, DefaultConfig())
	ctx := context.Background()

	e, _ := svc.LogUserAction(ctx, "42", "librarian", "permission_change", "Book", "1", "", LogOptions{})
	if e.RiskLevel != models.RiskCritical || e.UserID != "42" || e.UserRole != "librarian" {
		t.Errorf("LogUserAction entry = %+v", e)
	}

	e, _ = svc.LogSystemEvent(ctx, "startup", "service started", LogOptions{})
	if e.UserID != SystemActor || e.Entity != SystemEntity {
		t.Errorf("LogSystemEvent entry = %+v", e)
	}

	e, _ = svc.LogSecurityEvent(ctx, models.EventXSSAttempt, models.SeverityCritical, "xss", LogOptions{})
	if e.Entity != SecurityEntity || e.RiskLevel != models.RiskCritical {
		t.Errorf("LogSecurityEvent entry = %+v", e)
	}
	if bus.count(events.TopicAlertRequired) != 1 {
		t.Errorf("alertRequired published %d times, want 1", bus.count(events.TopicAlertRequired))
	}
}

func TestRecordSecurityEvent(t *testing.T) {
	st := store.NewMemoryStore()
	svc, bus, _ := newTestService(t, st, nil, DefaultConfig())
	ctx := context.Background()

	ev, err := svc.RecordSecurityEvent(ctx, &models.SecurityEvent{
		EventType: models.EventSuspiciousLogin,
		IPAddress: "198.51.100.4",
		RiskScore: 85,
	})
	if err != nil {
		t.Fatalf("RecordSecurityEvent() error = %v", err)
	}
	if ev.ID == "" || ev.Severity != models.SeverityHigh || !ev.CreatedAt.Equal(testNow) {
		t.Errorf("event = %+v", ev)
	}
	if _, err := st.GetSecurityEvent(ctx, ev.ID); err != nil {
		t.Errorf("GetSecurityEvent() error = %v", err)
	}
	if bus.count(events.TopicThreatDetected) != 1 {
		t.Error("threat_detected not published")
	}
	// The companion audit entry is high risk and therefore already stored.
	n, _ := st.CountAuditLogs(ctx, store.AuditLogFilter{Entities: []string{SecurityEntity}})
	if n != 1 {
		t.Errorf("companion audit entries = %d, want 1", n)
	}

	if _, err := svc.RecordSecurityEvent(ctx, nil); !errors.Is(err, ErrNilEvent) {
		t.Errorf("nil event error = %v", err)
	}
}
