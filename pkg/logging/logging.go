// Package logging builds the zerolog loggers used across the module.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns the root logger for a component. Level strings follow
// zerolog naming; anything unrecognized falls back to info.
func New(component, level string) zerolog.Logger {
	return NewWriter(os.Stderr, component, level)
}

// NewWriter is New with an explicit sink, used by tests.
func NewWriter(w io.Writer, component, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Str("component", component).Logger()
}

// Nop returns a disabled logger for components constructed without one.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}
