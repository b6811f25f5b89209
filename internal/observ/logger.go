// Package observ builds the process-wide zap logger the ingest service
// threads through its handlers, gateway and stores.
package observ

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger picks JSON output in production and the human-readable console
// encoder everywhere else, with LOG_LEVEL applied on top. An unparseable
// level falls back to info instead of failing: a typo'd env var must not
// keep the webhook endpoint from starting.
func NewLogger(env, level string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if env == "production" {
		cfg = zap.NewProductionConfig()
	}

	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(parsed)

	return cfg.Build()
}
