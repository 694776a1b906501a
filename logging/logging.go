// Package logging builds the zap loggers used by every component and adapts them to
// the fire-and-forget error log the decorators and counters write to.
package logging

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a console logger at the given level (debug, info, warn, error).
func New(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q (expected debug, info, warn, error)", level)
	}

	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = lvl > zapcore.DebugLevel
	return cfg.Build()
}

// OrNop returns l, or a no-op logger if l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// ErrorLog receives errors that must be recorded but never returned to a caller.
// Implementations must not panic back into the caller.
type ErrorLog interface {
	// WriteError records a condition that needs attention (e.g. a rate warning).
	WriteError(err error)
	// Write records a failure of a background unit of work.
	Write(err error)
}

type zapErrorLog struct {
	log *zap.Logger
}

// NewErrorLog adapts a zap logger to ErrorLog.
func NewErrorLog(l *zap.Logger) ErrorLog {
	return &zapErrorLog{log: OrNop(l)}
}

func (l *zapErrorLog) WriteError(err error) {
	defer func() { _ = recover() }()
	l.log.Error(err.Error(), zap.Error(err))
}

func (l *zapErrorLog) Write(err error) {
	defer func() { _ = recover() }()
	l.log.Warn(err.Error(), zap.Error(err))
}
