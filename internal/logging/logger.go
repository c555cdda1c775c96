// Package logging provides a process-wide structured logger built on zap,
// with request-scoped fields threaded through context.Context.
package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type ctxKey string

const (
	CorrelationIDKey ctxKey = "correlation_id"
	RoomIDKey        ctxKey = "room_id"
	SpaceNameKey     ctxKey = "space_name"
	ClientIDKey      ctxKey = "client_id"
)

var (
	once   sync.Once
	logger *zap.Logger
)

// Initialize builds the process-wide logger. Safe to call multiple times;
// only the first call takes effect.
func Initialize(development bool) {
	once.Do(func() {
		var cfg zap.Config
		if development {
			cfg = zap.NewDevelopmentConfig()
		} else {
			cfg = zap.NewProductionConfig()
			cfg.EncoderConfig.TimeKey = "timestamp"
		}
		l, err := cfg.Build()
		if err != nil {
			l = zap.NewNop()
		}
		logger = l
	})
}

// L returns the process logger, falling back to a development logger if
// Initialize was never called (e.g. in tests).
func L() *zap.Logger {
	if logger == nil {
		return zap.NewExample()
	}
	return logger
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

func WithRoomID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RoomIDKey, id)
}

func WithSpaceName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, SpaceNameKey, name)
}

func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ClientIDKey, id)
}

func fieldsFromCtx(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if v, ok := ctx.Value(CorrelationIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("correlation_id", v))
	}
	if v, ok := ctx.Value(RoomIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("room_id", v))
	}
	if v, ok := ctx.Value(SpaceNameKey).(string); ok && v != "" {
		fields = append(fields, zap.String("space_name", v))
	}
	if v, ok := ctx.Value(ClientIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("client_id", v))
	}
	return fields
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	L().Debug(msg, append(fieldsFromCtx(ctx), fields...)...)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	L().Info(msg, append(fieldsFromCtx(ctx), fields...)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	L().Warn(msg, append(fieldsFromCtx(ctx), fields...)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	L().Error(msg, append(fieldsFromCtx(ctx), fields...)...)
}
