package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates the production JSON logger. An empty level means info.
func NewLogger(serviceName, level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// WithJob returns a logger carrying the job, tenant and device of a job
func WithJob(logger *zap.Logger, jobID, tenantID, deviceID string) *zap.Logger {
	return logger.With(
		zap.String("job_id", jobID),
		zap.String("tenant_id", tenantID),
		zap.String("device_id", deviceID),
	)
}

// WithDevice returns a logger carrying an external device identity
func WithDevice(logger *zap.Logger, technology, externalID string) *zap.Logger {
	return logger.With(
		zap.String("technology", technology),
		zap.String("external_device_id", externalID),
	)
}
