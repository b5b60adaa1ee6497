// Package logger constructs the single *zap.SugaredLogger every binary in
// this module logs through. This concern sits in internal/platform rather
// than a blockchain package since it has nothing to do with consensus.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a JSON-encoded, stdout-writing logger tagged with service,
// the identifying field every log line carries so a multi-service
// deployment (node, wallet) can tell which process emitted it.
func New(service string) (*zap.SugaredLogger, error) {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"stdout"}
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.InitialFields = map[string]any{
		"service": service,
	}

	log, err := config.Build(zap.WithCaller(false))
	if err != nil {
		return nil, err
	}

	return log.Sugar(), nil
}
