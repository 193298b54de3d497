// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package services

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tomtom215/shelfwatch/internal/logging"
)

// Pruner drops entries older than maxAge and reports how many were removed.
// Satisfied by *detection.IPRegistry.
type Pruner interface {
	Prune(now time.Time, maxAge time.Duration) int
}

// BlockListPrunerService expires block recommendations once they are older
// than the configured TTL. It checks every TTL/4, at least once a minute.
type BlockListPrunerService struct {
	pruner   Pruner
	ttl      time.Duration
	interval time.Duration
	clock    clockwork.Clock
	name     string
}

// NewBlockListPrunerService creates the pruner. A nil clock means real time.
func NewBlockListPrunerService(p Pruner, ttl time.Duration, clock clockwork.Clock) *BlockListPrunerService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	interval := ttl / 4
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	return &BlockListPrunerService{
		pruner:   p,
		ttl:      ttl,
		interval: interval,
		clock:    clock,
		name:     "blocklist-pruner",
	}
}

// Serve implements suture.Service.
func (s *BlockListPrunerService) Serve(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if n := s.pruner.Prune(s.clock.Now(), s.ttl); n > 0 {
				logging.Debug().Int("removed", n).Msg("Expired block recommendations")
			}
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (s *BlockListPrunerService) String() string {
	return s.name
}
