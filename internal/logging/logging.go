// Package logging builds the process-wide zerolog root logger.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// New returns the root logger. Components derive their own with
// log.With().Str("comp", ...).
func New(level string, pretty bool) zerolog.Logger {
	zerolog.TimeFieldFormat = consoleTimeFormat
	zerolog.ErrorFieldName = "err"

	var out = os.Stdout
	var logger zerolog.Logger
	if pretty {
		cw := zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat}
		logger = zerolog.New(cw)
	} else {
		logger = zerolog.New(out)
	}
	return logger.Level(ParseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
}

// ParseLevel maps a config string to a zerolog level, falling back to
// def for unknown or empty input.
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
