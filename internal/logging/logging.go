// Package logging builds the zap loggers used by every Parley binary.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production JSON logger at level ("debug", "info", "warn",
// "error"). The caller owns the logger and should defer Sync.
func New(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Named is New followed by attaching the process's service and instance
// names to every entry.
func Named(level, service, instance string) (*zap.Logger, error) {
	log, err := New(level)
	if err != nil {
		return nil, err
	}
	log = log.Named(service)
	if instance != "" {
		log = log.With(zap.String("instance", instance))
	}
	return log, nil
}
