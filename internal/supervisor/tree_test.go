// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/shelfwatch/internal/audit"
	"github.com/tomtom215/shelfwatch/internal/store"
)

// stubService blocks until canceled, optionally failing its first starts.
type stubService struct {
	name     string
	starts   atomic.Int32
	maxFails int32
}

func (s *stubService) Serve(ctx context.Context) error {
	n := s.starts.Add(1)
	if n <= s.maxFails {
		return errors.New("simulated failure")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *stubService) String() string { return s.name }

// signaling reports when the wrapped service has been started.
type signaling struct {
	suture.Service
	started chan struct{}
}

func (s *signaling) Serve(ctx context.Context) error {
	close(s.started)
	return s.Service.Serve(ctx)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewSupervisorTreeDefaults(t *testing.T) {
	tree, err := NewSupervisorTree(quietLogger(), TreeConfig{})
	if err != nil {
		t.Fatalf("NewSupervisorTree() error = %v", err)
	}
	if tree.Root() == nil {
		t.Fatal("root supervisor is nil")
	}
	if tree.config != DefaultTreeConfig() {
		t.Errorf("config = %+v, want defaults", tree.config)
	}

	tree, _ = NewSupervisorTree(quietLogger(), TreeConfig{FailureThreshold: 2, ShutdownTimeout: time.Second})
	if tree.config.FailureThreshold != 2 || tree.config.ShutdownTimeout != time.Second {
		t.Errorf("explicit values overwritten: %+v", tree.config)
	}
	if tree.config.FailureBackoff != 15*time.Second {
		t.Errorf("FailureBackoff = %v, want 15s", tree.config.FailureBackoff)
	}
}

func TestSupervisorTreeStartsEveryLayer(t *testing.T) {
	tree, _ := NewSupervisorTree(quietLogger(), TreeConfig{ShutdownTimeout: time.Second})

	pipeline := &stubService{name: "pipeline"}
	messaging := &stubService{name: "messaging"}
	ops := &stubService{name: "ops"}
	tree.AddPipelineService(pipeline)
	tree.AddMessagingService(messaging)
	tree.AddOpsService(ops)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.After(2 * time.Second)
	for pipeline.starts.Load() == 0 || messaging.starts.Load() == 0 || ops.starts.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("not every layer started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not shut down")
	}
}

func TestSupervisorTreeRestartsFailingService(t *testing.T) {
	tree, _ := NewSupervisorTree(quietLogger(), TreeConfig{
		FailureThreshold: 10,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})

	failing := &stubService{name: "failing", maxFails: 2}
	stable := &stubService{name: "stable"}
	tree.AddMessagingService(failing)
	tree.AddOpsService(stable)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errCh := tree.ServeBackground(ctx)

	for failing.starts.Load() < 3 {
		select {
		case <-ctx.Done():
			t.Fatalf("failing service started %d times, want >= 3", failing.starts.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if stable.starts.Load() != 1 {
		t.Errorf("stable service started %d times, want 1", stable.starts.Load())
	}
	cancel()
	<-errCh
}

func TestSupervisorTreeDrainsAuditQueueOnShutdown(t *testing.T) {
	st := store.NewMemoryStore()
	auditor := audit.NewService(st, nil, nil, audit.Config{BatchSize: 1000, FlushInterval: time.Hour})

	tree, _ := NewSupervisorTree(quietLogger(), TreeConfig{ShutdownTimeout: 2 * time.Second})
	svc := &signaling{Service: auditor, started: make(chan struct{})}
	tree.AddPipelineService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)
	select {
	case <-svc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("batch writer not started")
	}

	for i := 0; i < 5; i++ {
		if _, err := auditor.Log(ctx, "view", "Book", "b-1", "viewed", audit.LogOptions{UserID: "u-1"}); err != nil {
			t.Fatalf("Log() error = %v", err)
		}
	}
	if got := auditor.QueueLen(); got != 5 {
		t.Fatalf("QueueLen() = %d, want 5 before shutdown", got)
	}

	cancel()
	<-errCh

	n, err := st.CountAuditLogs(context.Background(), store.AuditLogFilter{Entities: []string{"Book"}})
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("persisted %d entries, want 5", n)
	}
	if auditor.QueueLen() != 0 {
		t.Errorf("QueueLen() = %d after shutdown", auditor.QueueLen())
	}
}
