// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tomtom215/shelfwatch/internal/logging"
	"github.com/tomtom215/shelfwatch/internal/models"
)

const loginAttemptColumns = `id, username, ip_address, success, user_agent, device_fingerprint,
	country, region, city, latitude, longitude, created_at`

// CreateLoginAttempt implements LoginAttemptStore.
func (s *DuckDBStore) CreateLoginAttempt(ctx context.Context, a *models.LoginAttempt) error {
	if a == nil {
		return errors.New("login attempt cannot be nil")
	}

	var country, region, city, lat, lon interface{}
	if a.Location != nil {
		country, region, city = a.Location.Country, a.Location.Region, a.Location.City
		lat, lon = a.Location.Latitude, a.Location.Longitude
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT INTO login_attempts (` + loginAttemptColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.Username, a.IPAddress, a.Success, a.UserAgent, a.DeviceFingerprint,
		country, region, city, lat, lon, a.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save login attempt: %w", err)
	}
	return nil
}

// FindLoginAttempts implements LoginAttemptStore.
func (s *DuckDBStore) FindLoginAttempts(ctx context.Context, filter LoginAttemptFilter) ([]models.LoginAttempt, error) {
	conditions, args := loginConditions(filter)
	query := appendOrderAndLimit("SELECT "+loginAttemptColumns+" FROM login_attempts"+whereClause(conditions),
		filter.Ascending, filter.Limit, filter.Offset)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query login attempts: %w", err)
	}
	defer rows.Close()

	var out []models.LoginAttempt
	for rows.Next() {
		var d scannedLoginAttempt
		if err := rows.Scan(d.scanDestinations()...); err != nil {
			logging.Warn().Err(err).Msg("Failed to scan login attempt row")
			continue
		}
		out = append(out, d.toAttempt())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating login attempts: %w", err)
	}
	return out, nil
}

// CountLoginAttempts implements LoginAttemptStore.
func (s *DuckDBStore) CountLoginAttempts(ctx context.Context, filter LoginAttemptFilter) (int64, error) {
	conditions, args := loginConditions(filter)
	return s.count(ctx, "login_attempts", conditions, args)
}

// GroupLoginAttempts implements LoginAttemptStore.
func (s *DuckDBStore) GroupLoginAttempts(ctx context.Context, filter LoginAttemptFilter, spec GroupSpec) ([]GroupCount, error) {
	if err := validateGroupSpec(loginGroupFields, spec); err != nil {
		return nil, err
	}
	conditions, args := loginConditions(filter)
	return s.groupQuery(ctx, "login_attempts", conditions, args, spec)
}

func loginConditions(f LoginAttemptFilter) ([]string, []interface{}) {
	var conditions []string
	var args []interface{}

	conditions, args = appendStringCondition(conditions, args, "username", f.Username)
	conditions, args = appendStringCondition(conditions, args, "ip_address", f.IPAddress)
	if f.Success != nil {
		conditions = append(conditions, "success = ?")
		args = append(args, *f.Success)
	}
	conditions, args = appendKeywordCondition(conditions, args, f.Keyword, "username", "ip_address", "user_agent")
	if f.RequireLocation {
		conditions = append(conditions, "(country IS NOT NULL OR latitude IS NOT NULL)")
	}
	if f.RequireFingerprint {
		conditions = append(conditions, "device_fingerprint <> ''")
	}
	return appendTimeRange(conditions, args, f.Since, f.Until)
}

type scannedLoginAttempt struct {
	attempt   models.LoginAttempt
	country   sql.NullString
	region    sql.NullString
	city      sql.NullString
	latitude  sql.NullFloat64
	longitude sql.NullFloat64
}

func (d *scannedLoginAttempt) scanDestinations() []interface{} {
	a := &d.attempt
	return []interface{}{
		&a.ID, &a.Username, &a.IPAddress, &a.Success, &a.UserAgent, &a.DeviceFingerprint,
		&d.country, &d.region, &d.city, &d.latitude, &d.longitude, &a.CreatedAt,
	}
}

func (d *scannedLoginAttempt) toAttempt() models.LoginAttempt {
	a := d.attempt
	a.CreatedAt = a.CreatedAt.UTC()
	if d.country.Valid || d.latitude.Valid {
		a.Location = &models.Geolocation{
			Country:   d.country.String,
			Region:    d.region.String,
			City:      d.city.String,
			Latitude:  d.latitude.Float64,
			Longitude: d.longitude.Float64,
		}
	}
	return a
}

// GetUser implements UserStore.
func (s *DuckDBStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u models.User
	var role string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, email, role, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Username, &u.Email, &role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Role = models.Role(role)
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

// SaveUser implements UserStore.
func (s *DuckDBStore) SaveUser(ctx context.Context, user *models.User) error {
	if user == nil || user.ID == "" {
		return errors.New("user must have an ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO users (id, username, email, role, created_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, user.Username, user.Email, string(user.Role), user.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}
