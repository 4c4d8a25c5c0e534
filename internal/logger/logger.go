// Package logger builds the zerolog logger shared by the server, janitor, and migrate binaries.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// Level is a zerolog level name (trace, debug, info, warn, error). Empty or unknown means info.
	Level string
	// Format is "console" or "json". Empty picks console in development and json elsewhere.
	Format string
	// Environment is APP_ENV (e.g. "development", "production").
	Environment string
	// File, when set, additionally writes JSON logs to a size-rotated file.
	File string
	// Service is attached to every entry as "service".
	Service string
	// Output overrides stdout; used by tests.
	Output io.Writer
}

// New returns a zerolog.Logger configured from opts.
func New(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "json"
		if opts.Environment == "" || opts.Environment == "development" {
			format = "console"
		}
	}

	var writers []io.Writer
	if format == "console" {
		writers = append(writers, zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"})
	} else {
		writers = append(writers, out)
	}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    100, // MB
				MaxAge:     30,  // days
				MaxBackups: 10,
				Compress:   true,
			})
		}
	}

	var w io.Writer = writers[0]
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}

	l := zerolog.New(w).Level(ParseLevel(opts.Level)).With().Timestamp()
	if opts.Service != "" {
		l = l.Str("service", opts.Service)
	}
	return l.Logger()
}

// ParseLevel maps a level name to a zerolog.Level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
