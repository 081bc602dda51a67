// Package logging builds the zap logger shared by the server and CLI.
package logging

import (
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ValidLevels returns the accepted level names.
func ValidLevels() []string {
	return []string{"debug", "info", "warning", "error", "silent"}
}

// ParseLevel converts a level name to a zap level. Unknown names fall back to info.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warning", "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "silent", "none":
		return zapcore.FatalLevel + 1
	default:
		return zapcore.InfoLevel
	}
}

// New returns a JSON logger on stderr. Use NewConsole for humans.
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// NewConsole returns a colourless console logger, used by the CLI.
func NewConsole(level string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// Validate reports whether level is one of ValidLevels.
func Validate(level string) error {
	if !slices.Contains(ValidLevels(), level) {
		return fmt.Errorf("invalid log level %q, allowed: %s", level, strings.Join(ValidLevels(), ", "))
	}
	return nil
}
