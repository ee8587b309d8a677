package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NewLogger builds the process logger from the logging section and installs
// it as the global one. Every line carries the hub identity and environment.
func NewLogger(cfg Config) zerolog.Logger {
	logger := newLogger(cfg.Logging, os.Stdout).With().
		Str("hub", hubKey(cfg.Party)).
		Str("env", cfg.Environment).
		Logger()
	log.Logger = logger
	return logger
}

func newLogger(cfg LoggingConfig, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && cfg.Level != "" {
		level = parsed
	}

	var w io.Writer = out
	if strings.EqualFold(cfg.Format, "console") {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Str("service", "roaming").Logger()
	log.Logger = logger
	return logger
}

func hubKey(p PartyConfig) string {
	if p.CountryCode == "" && p.PartyID == "" {
		return "unconfigured"
	}
	return p.CountryCode + "-" + p.PartyID
}
