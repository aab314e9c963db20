// Package logging contains utility functions to set up logging for the
// pmount binaries.
package logging

import (
	"io"
	"log/slog"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// Flag is the flag name for setting the logging level.
	Flag = "log-level"
	// DefaultFlagValue is the default value for the log level flag. The
	// binaries are interactive tools, so only warnings show by default.
	DefaultFlagValue = "warn"
	// FlagInfo is the info string for the log level flag.
	FlagInfo = "set logging level (debug, info, warn, error, or a number)"
)

// NewCLILogger returns a new [*slog.Logger] writing human-readable output at
// the given log level.
func NewCLILogger(logLevel string, out io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: LevelFromString(logLevel, slog.LevelWarn),
	}))
}

// NewFileLogger returns a new [*slog.Logger] that writes JSON records to a
// file with rotation support, in addition to the given writer. Used for
// long-term debug traces of mount decisions.
func NewFileLogger(logLevel string, output io.Writer, filename string) *slog.Logger {
	writer := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    10, // megabytes
		MaxBackups: 2,
		MaxAge:     14, // days
	}
	return slog.New(slog.NewJSONHandler(io.MultiWriter(writer, output), &slog.HandlerOptions{
		Level: LevelFromString(logLevel, slog.LevelInfo),
	}))
}

// LevelFromString converts a string to a [slog.Level]. If the given string
// cannot be translated to a [slog.Level], and is not a number, the given
// fallback is used instead.
func LevelFromString(s string, fallback slog.Level) slog.Level {
	var level slog.Level
	switch strings.ToLower(s) {
	case "debug":
		level = slog.LevelDebug
	case "":
		fallthrough
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		numericLevel, err := strconv.Atoi(s)
		if err != nil {
			numericLevel = int(fallback)
		}
		level = slog.Level(numericLevel)
	}

	return level
}
