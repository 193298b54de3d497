// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

// Package logging owns the zerolog logger the pipeline writes its own
// diagnostics through. These lines are operational output, not audit
// records: audit entries go to the store via internal/audit.
//
//	logging.Init(cfg.Logging)
//	logging.Info().Int("written", n).Msg("Audit batch flushed")
//	logging.Ctx(ctx).Warn().Err(err).Msg("Synchronous audit write failed")
//
// Every line carries "service":"shelfwatch" and, when configured, the
// instance name, so several daemons can share a log sink. suture and
// watermill receive an *slog.Logger from NewSlogLogger that writes through
// the same logger.
package logging

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const serviceName = "shelfwatch"

// Config controls how the pipeline log is written.
type Config struct {
	// Level is one of trace, debug, info, warn, error, fatal, panic or
	// disabled. Unknown values fall back to info.
	Level string `koanf:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic disabled"`

	// Format is json (default) or console.
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`

	// Caller adds file:line to every line.
	Caller bool `koanf:"caller"`

	// Instance names this daemon in multi-instance deployments.
	Instance string `koanf:"instance" validate:"max=64"`

	Output io.Writer `koanf:"-"`
}

// DefaultConfig returns JSON at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Output: os.Stderr,
	}
}

var current atomic.Pointer[zerolog.Logger]

//nolint:gochecknoinits // packages log before main calls Init
func init() {
	Init(DefaultConfig())
}

// Init replaces the global logger. It may be called again at any time.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "time"

	c := zerolog.New(out).With().Timestamp().Str("service", serviceName)
	if cfg.Instance != "" {
		c = c.Str("instance", cfg.Instance)
	}
	if cfg.Caller {
		c = c.Caller()
	}
	l := c.Logger()
	current.Store(&l)
}

func parseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	if level == "" {
		return zerolog.InfoLevel
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return parsed
}

// Logger returns the global logger.
func Logger() zerolog.Logger {
	return *current.Load()
}

// SetLogger installs l as the global logger. Tests use it to capture output.
//
//nolint:gocritic // zerolog.Logger is passed by value
func SetLogger(l zerolog.Logger) {
	current.Store(&l)
}

// With starts a child logger context.
func With() zerolog.Context {
	return current.Load().With()
}

func Debug() *zerolog.Event { return current.Load().Debug() }
func Info() *zerolog.Event  { return current.Load().Info() }
func Warn() *zerolog.Event  { return current.Load().Warn() }
func Error() *zerolog.Event { return current.Load().Error() }

// Fatal exits the process with status 1 after the line is written.
func Fatal() *zerolog.Event { return current.Load().Fatal() }

// Err logs at error level with err attached, or at info level when err is nil.
func Err(err error) *zerolog.Event { return current.Load().Err(err) }

// NewTestLogger writes every level to w with timestamps.
func NewTestLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).Level(zerolog.TraceLevel).With().Timestamp().Logger()
}
