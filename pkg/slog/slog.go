// Package slog wraps a process-wide zap.SugaredLogger.
package slog

import (
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	logger *zap.SugaredLogger
)

// Init builds the global logger. Safe to call multiple times; only the
// first call takes effect.
func Init() {
	once.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.EncoderConfig.ConsoleSeparator = " "
		base, err := cfg.Build()
		if err != nil {
			// A broken logging config shouldn't crash the process silently;
			// fall back to a nop logger so callers never see a nil pointer.
			base = zap.NewNop()
		}
		logger = base.Sugar()
	})
}

// Get returns the global logger, initializing it on first use.
func Get() *zap.SugaredLogger {
	if logger == nil {
		Init()
	}
	return logger
}
