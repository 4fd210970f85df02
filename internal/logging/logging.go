// Package logging builds the zerolog logger shared by the commands.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacentio/tenderwatch/internal/config"
)

// New returns a logger writing to stderr.
func New(cfg config.LoggingConf) zerolog.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter returns a logger at cfg.Level (default info) writing JSON,
// or human readable lines when cfg.Format is "console".
func NewWithWriter(cfg config.LoggingConf, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Logger()
}
