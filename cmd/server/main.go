// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/shelfwatch/internal/config"
	"github.com/tomtom215/shelfwatch/internal/logging"
	"github.com/tomtom215/shelfwatch/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(cfg.Logging)

	logging.Info().
		Str("backend", cfg.Database.Backend).
		Bool("encryption", cfg.EncryptionEnabled()).
		Str("retention_mode", string(cfg.Retention.Mode)).
		Str("ops_addr", cfg.Server.Addr).
		Msg("Starting Shelfwatch")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p, err := buildPipeline(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize pipeline")
	}

	tree, err := supervisor.NewSupervisorTree(logging.NewComponentSlogLogger("supervisor"), supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}
	p.register(tree)

	logging.Info().Msg("Starting supervisor tree")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree error")
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	if err := p.Close(); err != nil {
		logging.Error().Err(err).Msg("Error closing pipeline resources")
	}
	logging.Info().Msg("Shelfwatch stopped")
}
