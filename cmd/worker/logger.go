package main

import (
	"github.com/septivank/water-telemetry-worker/internal/config"
	"github.com/septivank/water-telemetry-worker/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
}
