// Package logging configures the structured logger shared by every worker.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap.Logger. In development builds (when dev is
// true) it switches to a human-readable console encoder instead of JSON.
func New(dev bool) (*zap.Logger, error) {
	if dev {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// ForChain returns a child logger tagged with the chain name, so every
// Poller/Processor/Monitor/Payouter log line can be filtered by chain.
func ForChain(base *zap.Logger, chain string) *zap.Logger {
	return base.With(zap.String("chain", chain))
}

// ForComponent returns a child logger tagged with both chain and component
// (poller, processor, monitor, payouter).
func ForComponent(base *zap.Logger, chain, component string) *zap.Logger {
	return base.With(zap.String("chain", chain), zap.String("component", component))
}
