// Package logging builds the zerolog loggers used across herald.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level    string // debug, info, warn, error
	Pretty   bool   // console output for development
	Output   io.Writer
	Instance string
}

// New creates the root logger. Every line carries the service name and,
// when set, the instance name.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(output).Level(level).With().Timestamp().Str("service", "herald")
	if cfg.Instance != "" {
		ctx = ctx.Str("instance", cfg.Instance)
	}
	return ctx.Logger()
}

// Component returns a child logger tagged with a component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Event logs a structured event at info level, or at error level when the
// fields carry an "error" entry.
func Event(l zerolog.Logger, eventType string, fields map[string]interface{}) {
	ev := l.Info()
	if errVal, ok := fields["error"]; ok {
		ev = l.Error()
		if err, ok := errVal.(error); ok {
			ev = ev.Err(err)
			delete(fields, "error")
		}
	}
	ev.Str("event_type", eventType).Fields(fields).Msg(eventType)
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
