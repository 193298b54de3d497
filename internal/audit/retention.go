// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/tomtom215/shelfwatch/internal/logging"
	"github.com/tomtom215/shelfwatch/internal/metrics"
	"github.com/tomtom215/shelfwatch/internal/models"
	"github.com/tomtom215/shelfwatch/internal/store"
)

// RetentionMode selects how cleanup cutoffs are computed.
type RetentionMode string

const (
	// RetentionPerLevel gives every risk level its own window from Policy.
	RetentionPerLevel RetentionMode = "per_level"

	// RetentionGlobal applies GlobalDays to low and medium entries and keeps
	// high and critical entries forever.
	RetentionGlobal RetentionMode = "global"
)

// RetentionPolicy maps a risk level to its retention window in days.
type RetentionPolicy map[models.RiskLevel]int

// DefaultRetentionPolicy returns the per-level windows.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		models.RiskLow:      30,
		models.RiskMedium:   90,
		models.RiskHigh:     180,
		models.RiskCritical: 365,
	}
}

// RetentionConfig configures the retention scheduler.
type RetentionConfig struct {
	Mode       RetentionMode   `koanf:"mode" validate:"oneof=per_level global"`
	GlobalDays int             `koanf:"global_days" validate:"gte=1"`
	Policy     RetentionPolicy `koanf:"policy"`

	// Schedule is a standard cron expression or descriptor such as @daily.
	Schedule string `koanf:"schedule" validate:"required"`
}

// DefaultRetentionConfig returns sensible defaults.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Mode:       RetentionPerLevel,
		GlobalDays: 90,
		Policy:     DefaultRetentionPolicy(),
		Schedule:   "@daily",
	}
}

// SystemLogger writes the cleanup self-log. *Service satisfies it.
type SystemLogger interface {
	LogSystemEvent(ctx context.Context, action, description string, opts LogOptions) (*models.AuditLogEntry, error)
}

// RetentionScheduler deletes expired audit entries on a cron schedule.
type RetentionScheduler struct {
	store    store.AuditLogStore
	logger   SystemLogger
	cfg      RetentionConfig
	schedule cron.Schedule
	clock    clockwork.Clock
}

// NewRetentionScheduler validates the schedule and fills unset policy levels
// from the defaults. logger may be nil.
func NewRetentionScheduler(st store.AuditLogStore, logger SystemLogger, cfg RetentionConfig, opts ...Option) (*RetentionScheduler, error) {
	def := DefaultRetentionConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.Mode != RetentionPerLevel && cfg.Mode != RetentionGlobal {
		return nil, fmt.Errorf("unknown retention mode %q", cfg.Mode)
	}
	if cfg.GlobalDays <= 0 {
		cfg.GlobalDays = def.GlobalDays
	}
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}

	policy := make(RetentionPolicy, len(def.Policy))
	for level, days := range def.Policy {
		policy[level] = days
	}
	for level, days := range cfg.Policy {
		if !level.Valid() || days <= 0 {
			return nil, fmt.Errorf("invalid retention window %d for risk level %q", days, level)
		}
		policy[level] = days
	}
	cfg.Policy = policy

	sched, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("failed to parse retention schedule %q: %w", cfg.Schedule, err)
	}

	o := applyOptions(opts)
	return &RetentionScheduler{
		store:    st,
		logger:   logger,
		cfg:      cfg,
		schedule: sched,
		clock:    o.clock,
	}, nil
}

// Cutoffs returns the deletion cutoff per risk level as of now. Levels
// missing from the result are never deleted.
func (r *RetentionScheduler) Cutoffs(now time.Time) store.RetentionCutoffs {
	cutoffs := make(store.RetentionCutoffs, len(r.cfg.Policy))
	switch r.cfg.Mode {
	case RetentionGlobal:
		cutoff := now.AddDate(0, 0, -r.cfg.GlobalDays)
		cutoffs[models.RiskLow] = cutoff
		cutoffs[models.RiskMedium] = cutoff
	default:
		for level, days := range r.cfg.Policy {
			cutoffs[level] = now.AddDate(0, 0, -days)
		}
	}
	return cutoffs
}

// Cleanup deletes expired entries and records the count on the audit trail.
func (r *RetentionScheduler) Cleanup(ctx context.Context) (int64, error) {
	now := r.clock.Now().UTC()
	deleted, err := r.store.DeleteAuditLogs(ctx, r.Cutoffs(now))
	metrics.RecordRetention(deleted, err)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("mode", string(r.cfg.Mode)).Msg("Audit retention cleanup failed")
		return 0, fmt.Errorf("failed to delete expired audit logs: %w", err)
	}

	logging.Ctx(ctx).Info().Int64("deleted", deleted).Str("mode", string(r.cfg.Mode)).Msg("Audit retention cleanup completed")

	if r.logger != nil {
		_, logErr := r.logger.LogSystemEvent(ctx, "retention_cleanup",
			fmt.Sprintf("Retention cleanup removed %d audit entries", deleted),
			LogOptions{ResourceUsage: map[string]any{
				"deleted": deleted,
				"mode":    r.cfg.Mode,
			}})
		if logErr != nil {
			logging.Ctx(ctx).Warn().Err(logErr).Msg("Failed to record retention cleanup")
		}
	}
	return deleted, nil
}

// Run executes Cleanup at every schedule fire time until ctx is cancelled.
func (r *RetentionScheduler) Run(ctx context.Context) error {
	logging.Info().Str("schedule", r.cfg.Schedule).Str("mode", string(r.cfg.Mode)).Msg("Retention scheduler started")
	for {
		now := r.clock.Now()
		wait := r.schedule.Next(now).Sub(now)
		select {
		case <-ctx.Done():
			logging.Info().Msg("Retention scheduler stopped")
			return nil
		case <-r.clock.After(wait):
			runCtx := logging.ContextWithCorrelationID(ctx, logging.GenerateCorrelationID())
			if _, err := r.Cleanup(runCtx); err != nil {
				logging.Warn().Err(err).Msg("Scheduled retention cleanup failed")
			}
		}
	}
}

// Serve implements suture.Service.
func (r *RetentionScheduler) Serve(ctx context.Context) error { return r.Run(ctx) }

// String implements fmt.Stringer for suture logging.
func (r *RetentionScheduler) String() string { return "audit-retention" }
