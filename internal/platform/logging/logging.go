// Package logging builds the zerolog logger shared by the CLI and services.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the process logger. format is "text" for a human-friendly
// console or anything else for JSON; an unparseable level falls back to info.
func Setup(format, level string) zerolog.Logger {
	return New(os.Stderr, format, level)
}

// New is Setup with an explicit writer.
func New(out io.Writer, format, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if format == "text" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
