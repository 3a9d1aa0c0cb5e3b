package logging

import (
	"go.uber.org/zap"
)

// NewLogger builds the process-wide structured logger.
func NewLogger(verbose bool) (*zap.SugaredLogger, error) {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	config.InitialFields = map[string]interface{}{
		"service": "dess-monitor",
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger.Sugar(), nil
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
