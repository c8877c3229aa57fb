package bootstrap

import (
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/vistara-apps/usagebill/config"
)

// NewLogger creates the application logger and sets the global level.
func NewLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	SetLogLevel(cfg.Level)

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Str("service", "usagebill").Logger()
}

// SetLogLevel changes the global log level. Unknown levels fall back to info.
func SetLogLevel(levelStr string) {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil || levelStr == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
