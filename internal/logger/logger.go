package logger

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options controls how log lines are written.
type Options struct {
	Level   string // zerolog level name, defaults to info
	Format  string // "json" or "console", defaults to console
	NoColor bool
}

// New builds the process logger. Components derive child loggers from it with
// a "component" field instead of reaching for a global.
// POST: Returns a timestamped logger at the requested level; unknown levels fall back to info
func New(w io.Writer, opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if strings.EqualFold(strings.TrimSpace(opts.Format), "json") {
		base = zerolog.New(w)
	} else {
		base = zerolog.New(zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
			NoColor:    opts.NoColor,
		})
	}

	return base.With().Timestamp().Str("service", "newsletter").Logger().Level(level)
}

// Component returns a child logger tagged with the component name.
func Component(lg zerolog.Logger, name string) zerolog.Logger {
	return lg.With().Str("component", name).Logger()
}
