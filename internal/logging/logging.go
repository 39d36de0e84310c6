// Package logging configures zerolog the way the corpus does: pretty
// console output for local development, structured JSON for
// production, one global level.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger at levelName (trace|debug|info|warn|error,
// default info). pretty selects the human-readable console writer used
// in development over structured JSON.
func New(levelName string, pretty bool) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Caller().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
