package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New builds the process logger. dev gets a console writer, everything else JSON.
func New(service, env, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if env == "dev" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Logger()

	log.Logger = logger
	return logger
}

// Nop is used by tests and by components constructed without a logger.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
