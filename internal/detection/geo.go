// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package detection

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/netip"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/oschwald/geoip2-golang"

	"github.com/tomtom215/shelfwatch/internal/metrics"
	"github.com/tomtom215/shelfwatch/internal/models"
)

// GeoResolver maps an IP address to a location. A nil location with a nil
// error means the address is not in the database.
type GeoResolver interface {
	Lookup(ctx context.Context, ip string) (*models.Geolocation, error)
}

// MaxMindResolver resolves addresses from a local GeoIP2/GeoLite2 City database.
type MaxMindResolver struct {
	reader *geoip2.Reader
}

// OpenMaxMind opens the database at path.
func OpenMaxMind(path string) (*MaxMindResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	return &MaxMindResolver{reader: reader}, nil
}

// Lookup implements GeoResolver. Private and loopback addresses resolve to nil.
func (m *MaxMindResolver) Lookup(_ context.Context, ip string) (*models.Geolocation, error) {
	if !routable(ip) {
		return nil, nil
	}
	rec, err := m.reader.City(net.ParseIP(ip))
	if err != nil {
		return nil, fmt.Errorf("geoip lookup for %s: %w", ip, err)
	}

	loc := &models.Geolocation{
		Country:   rec.Country.IsoCode,
		City:      rec.City.Names["en"],
		Latitude:  rec.Location.Latitude,
		Longitude: rec.Location.Longitude,
	}
	if len(rec.Subdivisions) > 0 {
		loc.Region = rec.Subdivisions[0].IsoCode
	}
	if loc.Country == "" && !loc.HasCoordinates() {
		return nil, nil
	}
	return loc, nil
}

// Close releases the database.
func (m *MaxMindResolver) Close() error {
	return m.reader.Close()
}

// CachedResolver memoizes another resolver, including misses.
type CachedResolver struct {
	next  GeoResolver
	cache *expirable.LRU[string, *models.Geolocation]
}

// NewCachedResolver wraps next with an expiring LRU of the given size.
func NewCachedResolver(next GeoResolver, size int, ttl time.Duration) *CachedResolver {
	if size <= 0 {
		size = 4096
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedResolver{
		next:  next,
		cache: expirable.NewLRU[string, *models.Geolocation](size, nil, ttl),
	}
}

// Lookup implements GeoResolver. Errors are not cached.
func (c *CachedResolver) Lookup(ctx context.Context, ip string) (*models.Geolocation, error) {
	if loc, ok := c.cache.Get(ip); ok {
		metrics.GeoIPLookups.WithLabelValues("hit").Inc()
		return cloneLocation(loc), nil
	}
	loc, err := c.next.Lookup(ctx, ip)
	if err != nil {
		metrics.GeoIPLookups.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.GeoIPLookups.WithLabelValues("miss").Inc()
	c.cache.Add(ip, cloneLocation(loc))
	return loc, nil
}

func cloneLocation(loc *models.Geolocation) *models.Geolocation {
	if loc == nil {
		return nil
	}
	cp := *loc
	return &cp
}

// routable reports whether ip is a public unicast address.
func routable(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return !addr.IsLoopback() && !addr.IsPrivate() && !addr.IsUnspecified() &&
		!addr.IsLinkLocalUnicast() && !addr.IsMulticast()
}

// haversineDistance returns the great-circle distance in kilometers.
func haversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0

	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// impliedSpeedKmH is the speed needed to cover the distance between two
// located points in elapsed. Non-positive elapsed times are clamped to one
// second so simultaneous logins from distant places still register.
func impliedSpeedKmH(from, to *models.Geolocation, elapsed time.Duration) float64 {
	if elapsed < time.Second {
		elapsed = time.Second
	}
	dist := haversineDistance(from.Latitude, from.Longitude, to.Latitude, to.Longitude)
	return dist / elapsed.Hours()
}
