// Package blog provides the structured logger injected into every BTPS
// component, mirroring the way boulder threads a single blog.Logger
// through cmd, wfe2, ra and va instead of reaching for a package-level
// global.
package blog

import (
	"fmt"

	"go.uber.org/zap"
)

// Logger is the interface every BTPS component depends on. It is kept
// narrow and verb-based, the same shape boulder's own blog.Logger takes
// at its call sites (AuditErr for operator-visible failures, Crit for
// fatal startup errors, Info/Debug for everything else).
type Logger interface {
	Debug(msg string)
	Debugf(format string, args ...interface{})
	Info(msg string)
	Infof(format string, args ...interface{})
	AuditErr(msg string)
	Crit(msg string)
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// New builds a Logger backed by a zap production logger at the given
// level name ("debug", "info", "warn", "error").
func New(level string) (Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("blog: invalid level %q: %w", level, err)
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{sugar: l.Sugar()}, nil
}

// NewDevelopment builds a Logger tuned for local development and tests:
// console-formatted, debug level.
func NewDevelopment() Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		// zap's development config cannot fail to build in practice;
		// fall back to a no-op rather than panicking a test run.
		return &zapLogger{sugar: zap.NewNop().Sugar()}
	}
	return &zapLogger{sugar: l.Sugar()}
}

func (z *zapLogger) Debug(msg string) { z.sugar.Debug(msg) }
func (z *zapLogger) Debugf(format string, args ...interface{}) {
	z.sugar.Debugf(format, args...)
}
func (z *zapLogger) Info(msg string) { z.sugar.Info(msg) }
func (z *zapLogger) Infof(format string, args ...interface{}) {
	z.sugar.Infof(format, args...)
}
func (z *zapLogger) AuditErr(msg string) { z.sugar.Errorw(msg, "audit", true) }
func (z *zapLogger) Crit(msg string)     { z.sugar.Error(msg) }
