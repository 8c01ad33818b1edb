// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger configured for development or production.
func New(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = false
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

// WithRun returns a logger scoped to a single run.
func WithRun(logger *zap.Logger, runID int64) *zap.Logger {
	return logger.With(zap.Int64("run_id", runID))
}

// WithTask returns a logger scoped to a single task within a run.
func WithTask(logger *zap.Logger, runID, taskID int64, taskKey string) *zap.Logger {
	return logger.With(
		zap.Int64("run_id", runID),
		zap.Int64("task_id", taskID),
		zap.String("task_key", taskKey),
	)
}
