// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package store

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // DuckDB driver
	"github.com/tomtom215/shelfwatch/internal/logging"
)

// DuckDBConfig configures the embedded DuckDB database.
type DuckDBConfig struct {
	// Path is the database file. ":memory:" keeps everything in process.
	Path      string `koanf:"path" validate:"required"`
	Threads   int    `koanf:"threads" validate:"gte=0"`
	MaxMemory string `koanf:"max_memory"`
}

// DefaultDuckDBConfig returns a file-backed configuration.
func DefaultDuckDBConfig() DuckDBConfig {
	return DuckDBConfig{
		Path:      "/data/shelfwatch.duckdb",
		Threads:   0,
		MaxMemory: "1GB",
	}
}

// DuckDBStore implements Store on DuckDB.
type DuckDBStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenDuckDB opens (or creates) the database and ensures the schema exists.
func OpenDuckDB(ctx context.Context, cfg DuckDBConfig) (*DuckDBStore, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "1GB"
	}
	// Extension autoloading is disabled: the schema only needs core types.
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, threads, maxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}

	s := NewDuckDBStore(conn)
	if err := s.CreateSchema(ctx); err != nil {
		closeQuietly(conn)
		return nil, err
	}

	logging.Info().Str("path", cfg.Path).Int("threads", threads).Msg("DuckDB store opened")
	return s, nil
}

// NewDuckDBStore wraps an existing connection. The caller must ensure the
// schema exists (see CreateSchema).
func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{db: db}
}

// Close implements Store.
func (s *DuckDBStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close duckdb: %w", err)
	}
	return nil
}

// CreateSchema creates all tables and indexes if they do not exist.
func (s *DuckDBStore) CreateSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			entity TEXT NOT NULL,
			entity_id TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			user_role TEXT NOT NULL DEFAULT '',
			changes VARCHAR,
			old_values VARCHAR,
			new_values VARCHAR,
			request_info VARCHAR,
			resource_usage VARCHAR,
			session_id TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			location VARCHAR,
			result TEXT NOT NULL,
			error_details TEXT NOT NULL DEFAULT '',
			risk_level TEXT NOT NULL,
			security_flags VARCHAR,
			compliance_flags VARCHAR,
			correlation_id TEXT NOT NULL DEFAULT '',
			parent_log_id TEXT NOT NULL DEFAULT '',
			execution_time_ms BIGINT NOT NULL DEFAULT 0,
			is_encrypted BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id ON audit_logs(user_id);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_entity ON audit_logs(entity, action);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_risk_level ON audit_logs(risk_level);

		CREATE TABLE IF NOT EXISTS security_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			event_data VARCHAR,
			context_data VARCHAR,
			ip_address TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			risk_score DOUBLE NOT NULL DEFAULT 0,
			is_blocked BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_security_events_created_at ON security_events(created_at);
		CREATE INDEX IF NOT EXISTS idx_security_events_type ON security_events(event_type);
		CREATE INDEX IF NOT EXISTS idx_security_events_ip ON security_events(ip_address);

		CREATE TABLE IF NOT EXISTS login_attempts (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			ip_address TEXT NOT NULL DEFAULT '',
			success BOOLEAN NOT NULL,
			user_agent TEXT NOT NULL DEFAULT '',
			device_fingerprint TEXT NOT NULL DEFAULT '',
			country TEXT,
			region TEXT,
			city TEXT,
			latitude DOUBLE,
			longitude DOUBLE,
			created_at TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_login_attempts_username ON login_attempts(username, created_at);
		CREATE INDEX IF NOT EXISTS idx_login_attempts_ip ON login_attempts(ip_address, created_at);

		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
	`

	for _, stmt := range strings.Split(query, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	logging.Info().Msg("Telemetry schema created/verified")
	return nil
}

// buildSliceCondition creates a SQL IN condition for a slice of string values.
func buildSliceCondition[T ~string](column string, values []T, args *[]interface{}) string {
	if len(values) == 0 {
		return ""
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		*args = append(*args, string(v))
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ","))
}

// appendStringCondition adds a string equality condition if value is non-empty.
func appendStringCondition(conditions []string, args []interface{}, column, value string) ([]string, []interface{}) {
	if value != "" {
		conditions = append(conditions, column+" = ?")
		args = append(args, value)
	}
	return conditions, args
}

// appendTimeRange adds created_at bounds: since inclusive, until exclusive.
func appendTimeRange(conditions []string, args []interface{}, since, until time.Time) ([]string, []interface{}) {
	if !since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, since.UTC())
	}
	if !until.IsZero() {
		conditions = append(conditions, "created_at < ?")
		args = append(args, until.UTC())
	}
	return conditions, args
}

// appendKeywordCondition matches keyword case-insensitively against any column.
func appendKeywordCondition(conditions []string, args []interface{}, keyword string, columns ...string) ([]string, []interface{}) {
	if keyword == "" {
		return conditions, args
	}
	pattern := "%" + strings.ToLower(keyword) + "%"
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = fmt.Sprintf("LOWER(%s) LIKE ?", c)
		args = append(args, pattern)
	}
	return append(conditions, "("+strings.Join(parts, " OR ")+")"), args
}

func whereClause(conditions []string) string {
	if len(conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conditions, " AND ")
}

// appendOrderAndLimit adds ORDER BY created_at, LIMIT and OFFSET clauses.
func appendOrderAndLimit(query string, ascending bool, limit, offset int) string {
	if ascending {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id ASC"
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", offset)
	}
	return query
}

// groupColumnExpr renders a groupable column as a non-null string.
func groupColumnExpr(column string) string {
	return fmt.Sprintf("COALESCE(CAST(%s AS VARCHAR), '')", column)
}

// groupQuery runs a grouped count over table. spec must already be validated
// so that every column name is from the whitelist.
func (s *DuckDBStore) groupQuery(ctx context.Context, table string, conditions []string, args []interface{}, spec GroupSpec) ([]GroupCount, error) {
	selects := make([]string, 0, len(spec.Fields)+2)
	for i, f := range spec.Fields {
		selects = append(selects, fmt.Sprintf("%s AS k%d", groupColumnExpr(f), i))
	}
	hasBucket := spec.Bucket != BucketNone
	if hasBucket {
		selects = append(selects, fmt.Sprintf("CAST(date_trunc('%s', created_at) AS TIMESTAMP) AS bucket", spec.Bucket))
	}

	countExpr := "COUNT(*)"
	if spec.CountDistinct != "" {
		countExpr = fmt.Sprintf("COUNT(DISTINCT NULLIF(%s, ''))", groupColumnExpr(spec.CountDistinct))
	}
	selects = append(selects, countExpr+" AS cnt")

	query := "SELECT " + strings.Join(selects, ", ") + " FROM " + table + whereClause(conditions)
	if len(spec.Fields) > 0 || hasBucket {
		query += " GROUP BY ALL"
	}
	query += " HAVING " + countExpr + " > ?"
	args = append(args, spec.MoreThan)

	var order []string
	if hasBucket {
		order = append(order, "bucket ASC")
	} else {
		order = append(order, "cnt DESC")
	}
	for i := range spec.Fields {
		order = append(order, fmt.Sprintf("k%d ASC", i))
	}
	query += " ORDER BY " + strings.Join(order, ", ")
	if spec.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", spec.Limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to group %s: %w", table, err)
	}
	defer rows.Close()

	var out []GroupCount
	for rows.Next() {
		g := GroupCount{Keys: make([]string, len(spec.Fields))}
		dest := make([]interface{}, 0, len(spec.Fields)+2)
		for i := range g.Keys {
			dest = append(dest, &g.Keys[i])
		}
		if hasBucket {
			dest = append(dest, &g.Bucket)
		}
		dest = append(dest, &g.Count)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s group: %w", table, err)
		}
		g.Bucket = g.Bucket.UTC()
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s groups: %w", table, err)
	}
	return out, nil
}

func (s *DuckDBStore) count(ctx context.Context, table string, conditions []string, args []interface{}) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	query := "SELECT COUNT(*) FROM " + table + whereClause(conditions)
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// nullableText maps empty raw JSON to SQL NULL.
func nullableText(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func closeQuietly(db *sql.DB) {
	if err := db.Close(); err != nil {
		logging.Warn().Err(err).Msg("Failed to close duckdb connection")
	}
}
