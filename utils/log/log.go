// Package log carries zap loggers and log fields through contexts so
// nested operations can enrich their logs without threading loggers
// explicitly.
package log

import (
	"context"

	"go.uber.org/zap"
)

type key int

const (
	fieldsKey key = iota
	loggerKey
)

// WithContext enriches the logger with fields from the context
func WithContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if ctx == nil {
		return logger
	}

	return logger.With(Fields(ctx)...)
}

// WithFields adds log fields to the context
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, fieldsKey, append(Fields(ctx), fields...))
}

// Fields extracts log fields from the context
func Fields(ctx context.Context) []zap.Field {
	fields, ok := ctx.Value(fieldsKey).([]zap.Field)

	if !ok {
		return []zap.Field{}
	}

	return fields
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger extracts a logger from the context, falling back to the
// given default.
func Logger(ctx context.Context, defaultLogger *zap.Logger) *zap.Logger {
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)

	if !ok {
		return defaultLogger
	}

	return logger
}
