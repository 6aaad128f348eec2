package logging

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey ContextKey = "requestID"

	// GroupKey is the context key for the instance group a job runs for
	GroupKey ContextKey = "group"
)

// NewLogger creates a new structured logger
func NewLogger(development bool) (*zap.Logger, error) {
	return NewLoggerWithLevel(development, "")
}

// NewLoggerWithLevel creates a structured logger with an explicit minimum
// level. Unknown or empty levels fall back to the profile default (debug in
// development, info otherwise).
func NewLoggerWithLevel(development bool, level string) (*zap.Logger, error) {
	var config zap.Config
	if development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}
	switch level {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	}

	// Always use ISO8601 time encoding
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context) context.Context {
	requestID := uuid.New().String()
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithGroup records the group a job is processing on the context
func WithGroup(ctx context.Context, group string) context.Context {
	return context.WithValue(ctx, GroupKey, group)
}

// GetGroup retrieves the group name from the context
func GetGroup(ctx context.Context) string {
	if group, ok := ctx.Value(GroupKey).(string); ok {
		return group
	}
	return ""
}

// FromContext decorates the logger with the request ID and group when the
// context carries them. Job consumers build their per-job logging context
// through this.
func FromContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if requestID := GetRequestID(ctx); requestID != "" {
		logger = logger.With(zap.String("requestID", requestID))
	}
	if group := GetGroup(ctx); group != "" {
		logger = logger.With(zap.String("group", group))
	}
	return logger
}
