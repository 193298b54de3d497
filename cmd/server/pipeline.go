// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tomtom215/shelfwatch/internal/api"
	"github.com/tomtom215/shelfwatch/internal/audit"
	"github.com/tomtom215/shelfwatch/internal/cipher"
	"github.com/tomtom215/shelfwatch/internal/config"
	"github.com/tomtom215/shelfwatch/internal/detection"
	"github.com/tomtom215/shelfwatch/internal/events"
	"github.com/tomtom215/shelfwatch/internal/logging"
	"github.com/tomtom215/shelfwatch/internal/reporting"
	"github.com/tomtom215/shelfwatch/internal/store"
	"github.com/tomtom215/shelfwatch/internal/supervisor"
	"github.com/tomtom215/shelfwatch/internal/supervisor/services"
)

// pipeline holds every component of the daemon. Components receive their
// collaborators here; nothing is looked up globally.
type pipeline struct {
	cfg *config.Config

	store   *store.BreakerStore
	bus     *events.Bus
	cipher  *cipher.FieldCipher
	auditor *audit.Service

	retention *audit.RetentionScheduler
	registry  *detection.IPRegistry
	analyzer  *detection.Analyzer
	injection *detection.InjectionDetector
	intrusion *detection.IntrusionAggregator
	reports   *reporting.Service

	geo       *detection.MaxMindResolver
	forwarder *events.NATSForwarder
}

// buildPipeline wires the components in dependency order. On error every
// resource opened so far is released.
func buildPipeline(ctx context.Context, cfg *config.Config) (p *pipeline, err error) {
	p = &pipeline{cfg: cfg}
	defer func() {
		if err != nil {
			if closeErr := p.Close(); closeErr != nil {
				logging.Warn().Err(closeErr).Msg("Cleanup after failed startup")
			}
			p = nil
		}
	}()

	backend, err := openStore(ctx, cfg.Database)
	if err != nil {
		return p, err
	}
	p.store = store.NewBreakerStore(backend, cfg.Database.Breaker)

	p.cipher, err = cipher.New(cfg.Encryption.Key)
	if err != nil {
		return p, fmt.Errorf("failed to initialize field cipher: %w", err)
	}
	if !p.cipher.Enabled() {
		logging.Warn().Msg("AUDIT_ENCRYPTION_KEY not set, sensitive audit fields are stored as plaintext")
	}

	p.bus = events.NewBus(cfg.Events)
	p.auditor = audit.NewService(p.store, p.cipher, p.bus, cfg.Audit)

	p.retention, err = audit.NewRetentionScheduler(p.store, p.auditor, cfg.Retention)
	if err != nil {
		return p, err
	}

	p.registry, err = detection.NewIPRegistry(cfg.Security.WhitelistedIPs)
	if err != nil {
		return p, err
	}

	opts := []detection.Option{detection.WithIPRegistry(p.registry)}
	if cfg.GeoIP.DatabasePath != "" {
		p.geo, err = detection.OpenMaxMind(cfg.GeoIP.DatabasePath)
		if err != nil {
			return p, err
		}
		opts = append(opts, detection.WithGeoResolver(
			detection.NewCachedResolver(p.geo, cfg.GeoIP.CacheSize, cfg.GeoIP.CacheTTL)))
		logging.Info().Str("path", cfg.GeoIP.DatabasePath).Msg("GeoIP lookups enabled")
	}

	p.analyzer, err = detection.NewAnalyzer(p.store, p.auditor, p.bus, cfg.Detection, opts...)
	if err != nil {
		return p, err
	}
	p.injection = detection.NewInjectionDetector(p.auditor)
	p.intrusion = detection.NewIntrusionAggregator(p.store, p.auditor, p.bus, cfg.Intrusion)
	p.reports = reporting.NewService(p.store, p.auditor, p.cipher)

	if cfg.Events.NATS.Enabled {
		p.forwarder, err = events.NewNATSForwarder(p.bus, cfg.Events.NATS)
		if errors.Is(err, events.ErrNATSNotEnabled) {
			logging.Warn().Err(err).Msg("NATS_ENABLED ignored")
			p.forwarder, err = nil, nil
		}
		if err != nil {
			return p, err
		}
	}
	return p, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		logging.Warn().Msg("Using in-memory store, telemetry is lost on restart")
		return store.NewMemoryStore(), nil
	default:
		st, err := store.OpenDuckDB(ctx, cfg.DuckDB)
		if err != nil {
			return nil, err
		}
		logging.Info().Str("path", cfg.DuckDB.Path).Msg("DuckDB store opened")
		return st, nil
	}
}

// register adds the long-running components to the supervisor tree.
func (p *pipeline) register(tree *supervisor.SupervisorTree) {
	tree.AddPipelineService(p.auditor)
	tree.AddPipelineService(p.retention)
	tree.AddPipelineService(p.intrusion)
	tree.AddPipelineService(services.NewBlockListPrunerService(p.registry, p.cfg.Security.BlockTTL, nil))

	if p.forwarder != nil {
		tree.AddMessagingService(p.forwarder)
	}

	server := &http.Server{
		Addr:              p.cfg.Server.Addr,
		Handler:           p.router(),
		ReadHeaderTimeout: p.cfg.Server.ReadTimeout,
		ReadTimeout:       p.cfg.Server.ReadTimeout,
	}
	tree.AddOpsService(services.NewOpsServerService(server, p.cfg.Server.ShutdownTimeout))
}

func (p *pipeline) router() http.Handler {
	return api.NewRouter(api.NewHandler(api.Deps{
		Queue:   p.auditor,
		Blocked: p.registry,
		Stats:   p.reports,
		Breaker: p.store,
	}))
}

// Close releases the bus, the geo database and the store. The supervisor
// tree must have stopped first so the final drain has run.
func (p *pipeline) Close() error {
	var errs []error
	if p.bus != nil {
		errs = append(errs, p.bus.Close())
	}
	if p.geo != nil {
		errs = append(errs, p.geo.Close())
	}
	if p.store != nil {
		errs = append(errs, p.store.Close())
	}
	return errors.Join(errs...)
}
