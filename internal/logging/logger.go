// Package logging builds the process logger the way every DashFlow binary
// does: structured zerolog, JSON by default, pretty console for local dev.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a configured logger. Unknown levels and formats fall back
// with a warning rather than failing startup.
func New(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	unknownFormat := false
	switch strings.ToLower(format) {
	case "pretty", "text":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	case "json", "":
		logger = zerolog.New(os.Stdout)
	default:
		unknownFormat = true
		logger = zerolog.New(os.Stdout)
	}
	logger = logger.Level(lvl).With().Timestamp().Logger()

	if err != nil {
		logger.Warn().Str("level", level).Msg("Unknown log level - using info")
	}
	if unknownFormat {
		logger.Warn().Str("format", format).Msg("Unknown log format - using json")
	}
	return logger
}
