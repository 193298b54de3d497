// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package detection

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/shelfwatch/internal/events"
	"github.com/tomtom215/shelfwatch/internal/metrics"
)

// IPRegistry tracks whitelisted addresses and block recommendations. It is
// safe for concurrent use.
type IPRegistry struct {
	mu        sync.RWMutex
	whitelist []netip.Prefix
	blocked   map[string]events.BlockRecommendation
}

// NewIPRegistry creates a registry whitelisting the given addresses or CIDR
// prefixes.
func NewIPRegistry(whitelist []string) (*IPRegistry, error) {
	r := &IPRegistry{blocked: make(map[string]events.BlockRecommendation)}
	for _, entry := range whitelist {
		if err := r.Whitelist(entry); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Whitelist adds an address or CIDR prefix.
func (r *IPRegistry) Whitelist(entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return nil
	}
	var prefix netip.Prefix
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return fmt.Errorf("invalid whitelist prefix %q: %w", entry, err)
		}
		prefix = p.Masked()
	} else {
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return fmt.Errorf("invalid whitelist address %q: %w", entry, err)
		}
		prefix = netip.PrefixFrom(addr, addr.BitLen())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.whitelist = append(r.whitelist, prefix)
	return nil
}

// IsWhitelisted reports whether ip falls in a whitelisted prefix.
func (r *IPRegistry) IsWhitelisted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.whitelist {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Recommend records a block recommendation. It returns false when the
// address is whitelisted at the time of the call.
func (r *IPRegistry) Recommend(rec events.BlockRecommendation) bool {
	if r.IsWhitelisted(rec.IPAddress) {
		return false
	}
	r.mu.Lock()
	r.blocked[rec.IPAddress] = rec
	n := len(r.blocked)
	r.mu.Unlock()

	metrics.IPBlockRecommendations.Inc()
	metrics.BlockedIPs.Set(float64(n))
	return true
}

// IsBlocked reports whether a block is recommended for ip.
func (r *IPRegistry) IsBlocked(ip string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blocked[ip]
	return ok
}

// Unblock removes a recommendation.
func (r *IPRegistry) Unblock(ip string) {
	r.mu.Lock()
	delete(r.blocked, ip)
	n := len(r.blocked)
	r.mu.Unlock()
	metrics.BlockedIPs.Set(float64(n))
}

// Blocked returns the current recommendations, most recent first.
func (r *IPRegistry) Blocked() []events.BlockRecommendation {
	r.mu.RLock()
	out := make([]events.BlockRecommendation, 0, len(r.blocked))
	for _, rec := range r.blocked {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RecommendedAt.Equal(out[j].RecommendedAt) {
			return out[i].RecommendedAt.After(out[j].RecommendedAt)
		}
		return out[i].IPAddress < out[j].IPAddress
	})
	return out
}

// Prune drops recommendations older than maxAge.
func (r *IPRegistry) Prune(now time.Time, maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for ip, rec := range r.blocked {
		if now.Sub(rec.RecommendedAt) > maxAge {
			delete(r.blocked, ip)
			removed++
		}
	}
	metrics.BlockedIPs.Set(float64(len(r.blocked)))
	return removed
}
