// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package audit

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tomtom215/shelfwatch/internal/cipher"
	"github.com/tomtom215/shelfwatch/internal/events"
	"github.com/tomtom215/shelfwatch/internal/logging"
	"github.com/tomtom215/shelfwatch/internal/metrics"
	"github.com/tomtom215/shelfwatch/internal/models"
	"github.com/tomtom215/shelfwatch/internal/risk"
	"github.com/tomtom215/shelfwatch/internal/store"
)

// Store is the persistence the intake service needs.
type Store interface {
	store.AuditLogStore
	store.SecurityEventStore
}

// queued is one buffered entry. persisted is set when the synchronous
// elevated-risk write already stored it.
type queued struct {
	entry     *models.AuditLogEntry
	persisted bool
}

// drainPollInterval is how often the final drain re-checks a busy flush.
const drainPollInterval = 10 * time.Millisecond

// Service is the audit intake and batch writer. Create one per process and
// pass it to the components that log.
type Service struct {
	store  Store
	cipher *cipher.FieldCipher
	bus    events.Publisher
	cfg    Config
	clock  clockwork.Clock

	mu    sync.Mutex
	queue []queued

	processing atomic.Bool
}

// NewService creates the intake service. cipher and bus may be nil.
func NewService(st Store, fc *cipher.FieldCipher, bus events.Publisher, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	o := applyOptions(opts)

	return &Service{
		store:  st,
		cipher: fc,
		bus:    bus,
		cfg:    cfg,
		clock:  o.clock,
		queue:  make([]queued, 0, cfg.BatchSize),
	}
}

// Log builds, classifies and queues an audit entry. High and critical
// entries are also persisted before Log returns; when that write fails the
// error is returned together with the entry, which stays queued so the next
// batch retries it. Log never fails for any other reason.
func (s *Service) Log(ctx context.Context, action, entity, entityID, description string, opts LogOptions) (*models.AuditLogEntry, error) {
	flags := risk.AnalyzeSecurityFlags(opts.Hints)

	result := opts.Result
	if result == "" {
		result = models.ResultSuccess
	}
	level := opts.RiskLevel
	if !level.Valid() {
		level = risk.CalculateRiskLevel(action, entity, result, flags)
	}
	encrypt := risk.ShouldEncrypt(entity, action)

	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = logging.CorrelationIDFromContext(ctx)
	}

	compliance := slices.Clone(opts.ComplianceFlags)
	if opts.Internal && !slices.Contains(compliance, models.FlagReportGeneration) {
		compliance = append(compliance, models.FlagReportGeneration)
	}

	entry := &models.AuditLogEntry{
		ID:              uuid.NewString(),
		Action:          action,
		Entity:          entity,
		EntityID:        entityID,
		Description:     description,
		UserID:          opts.UserID,
		UserRole:        opts.UserRole,
		Changes:         s.encodeField(ctx, "changes", opts.Changes, encrypt),
		OldValues:       s.encodeField(ctx, "old_values", opts.OldValues, encrypt),
		NewValues:       s.encodeField(ctx, "new_values", opts.NewValues, encrypt),
		RequestInfo:     s.encodeField(ctx, "request_info", opts.RequestInfo, false),
		ResourceUsage:   s.encodeField(ctx, "resource_usage", opts.ResourceUsage, false),
		SessionID:       opts.SessionID,
		IPAddress:       opts.IPAddress,
		UserAgent:       opts.UserAgent,
		Location:        opts.Location,
		Result:          result,
		ErrorDetails:    opts.ErrorDetails,
		RiskLevel:       level,
		SecurityFlags:   flags,
		ComplianceFlags: compliance,
		CorrelationID:   correlationID,
		ParentLogID:     opts.ParentLogID,
		ExecutionTimeMs: opts.ExecutionTime.Milliseconds(),
		IsEncrypted:     encrypt,
		CreatedAt:       s.clock.Now().UTC(),
	}
	if encrypt && s.cipher.Enabled() {
		metrics.AuditEncryptedEntries.Inc()
	}

	var persistErr error
	persisted := false
	if level.IsElevated() {
		if err := s.store.CreateAuditLog(ctx, entry); err != nil {
			persistErr = fmt.Errorf("failed to persist %s audit entry: %w", level, err)
			logging.Ctx(ctx).Error().Err(err).Str("entry_id", entry.ID).Str("risk_level", string(level)).
				Msg("Synchronous audit write failed, entry left for the batch")
		} else {
			persisted = true
		}
	}

	depth := s.enqueue(entry, persisted)
	metrics.AuditEntriesLogged.WithLabelValues(string(level)).Inc()

	if !opts.Internal {
		s.publish(ctx, events.TopicLogCreated, entry)
	}
	if opts.RequiresEscalation && level.IsElevated() {
		s.publish(ctx, events.TopicAlertRequired, events.NewAlertRequired(entry))
	}

	if depth >= s.cfg.BatchSize {
		if _, err := s.Flush(ctx); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("Size-triggered audit flush failed")
		}
	}
	return entry, persistErr
}

func (s *Service) enqueue(entry *models.AuditLogEntry, persisted bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, queued{entry: entry, persisted: persisted})
	metrics.AuditQueueDepth.Set(float64(len(s.queue)))
	return len(s.queue)
}

// encodeField JSON-encodes v and seals it when encrypt is set and a key is
// configured.
func (s *Service) encodeField(ctx context.Context, name string, v any, encrypt bool) json.RawMessage {
	if v == nil {
		return nil
	}
	var raw json.RawMessage
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		data, err := json.Marshal(v)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("field", name).Msg("Dropping audit field that cannot be encoded")
			return nil
		}
		raw = data
	}
	if len(raw) == 0 {
		return nil
	}
	if !json.Valid(raw) {
		logging.Ctx(ctx).Warn().Str("field", name).Msg("Dropping audit field with invalid JSON")
		return nil
	}
	if encrypt {
		return s.cipher.Encrypt(slices.Clone(raw))
	}
	return slices.Clone(raw)
}

// QueueLen returns the number of buffered entries.
func (s *Service) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Flush persists the queued entries as one batch and returns how many were
// written. If another flush is running it returns (0, nil) immediately. A
// failed insert drops the batch.
func (s *Service) Flush(ctx context.Context) (int, error) {
	if !s.processing.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.processing.Store(false)

	s.mu.Lock()
	batch := s.queue
	s.queue = make([]queued, 0, s.cfg.BatchSize)
	metrics.AuditQueueDepth.Set(0)
	s.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	pending := make([]*models.AuditLogEntry, 0, len(batch))
	for _, q := range batch {
		if !q.persisted {
			pending = append(pending, q.entry)
		}
	}

	start := s.clock.Now()
	var err error
	if len(pending) > 0 {
		err = s.store.CreateAuditLogs(ctx, pending)
	}
	metrics.RecordAuditFlush(len(pending), err)

	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Int("dropped", len(pending)).Msg("Audit batch insert failed, batch dropped")
		return 0, fmt.Errorf("failed to persist audit batch of %d entries: %w", len(pending), err)
	}

	logging.Ctx(ctx).Debug().Int("queued", len(batch)).Int("written", len(pending)).Msg("Audit batch flushed")
	s.publish(ctx, events.TopicBatchProcessed, events.BatchProcessed{
		Count:      len(batch),
		Written:    len(pending),
		DurationMs: s.clock.Since(start).Milliseconds(),
	})
	return len(pending), nil
}

// Run flushes the queue every FlushInterval until ctx is cancelled, then
// stops the ticker and drains once more.
func (s *Service) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	logging.Info().Int("batch_size", s.cfg.BatchSize).Dur("flush_interval", s.cfg.FlushInterval).
		Msg("Audit batch writer started")

	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			if err := s.Close(context.WithoutCancel(ctx)); err != nil {
				logging.Warn().Err(err).Msg("Final audit drain failed")
			}
			logging.Info().Msg("Audit batch writer stopped")
			return nil
		case <-ticker.Chan():
			if _, err := s.Flush(ctx); err != nil {
				logging.Warn().Err(err).Msg("Periodic audit flush failed")
			}
		}
	}
}

// Close drains the queue. A flush already in flight is waited for.
func (s *Service) Close(ctx context.Context) error {
	for s.QueueLen() > 0 || s.processing.Load() {
		if s.processing.Load() {
			time.Sleep(drainPollInterval)
			continue
		}
		if _, err := s.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Serve implements suture.Service.
func (s *Service) Serve(ctx context.Context) error { return s.Run(ctx) }

// String implements fmt.Stringer for suture logging.
func (s *Service) String() string { return "audit-batch-writer" }

func (s *Service) publish(ctx context.Context, topic events.Topic, payload any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("topic", string(topic)).Msg("Failed to publish audit event")
	}
}
