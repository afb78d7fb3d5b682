package middleware

import (
	"time"

	"github.com/beego/beego/v2/server/web/context"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// RequestIDHeader carries the request ID in both directions.
	RequestIDHeader = "X-Request-ID"

	startKey     = "accessLogStart"
	requestIDKey = "requestID"
)

// RequestIDFilter 为请求分配ID，已有的 X-Request-ID 原样沿用
func RequestIDFilter(ctx *context.Context) {
	id := ctx.Input.Header(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	ctx.Input.SetData(requestIDKey, id)
	ctx.Input.SetData(startKey, time.Now())
	ctx.Output.Header(RequestIDHeader, id)
}

// AccessLogFilter logs one line per request. It runs after the controller
// and must be registered with web.WithReturnOnOutput(false).
func AccessLogFilter(log *zap.Logger) func(*context.Context) {
	return func(ctx *context.Context) {
		fields := []zap.Field{
			zap.String("method", ctx.Input.Method()),
			zap.String("path", ctx.Input.URL()),
			zap.Int("status", ctx.Output.Status),
			zap.String("ip", ctx.Input.IP()),
		}
		if id, ok := ctx.Input.GetData(requestIDKey).(string); ok {
			fields = append(fields, zap.String("request_id", id))
		}
		if start, ok := ctx.Input.GetData(startKey).(time.Time); ok {
			fields = append(fields, zap.Duration("latency", time.Since(start)))
		}

		switch {
		case ctx.Output.Status >= 500:
			log.Error("request", fields...)
		case ctx.Output.Status >= 400:
			log.Warn("request", fields...)
		default:
			log.Debug("request", fields...)
		}
	}
}
