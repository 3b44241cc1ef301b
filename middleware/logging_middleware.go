package middleware

import (
	"context"
	"log/slog"
	"time"

	"os-overview/message"
)

// LoggingMiddleware logs method, id and duration of every request, and the
// error code of every failed one.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)

			id, _ := req.IDValue()
			if resp.Error != nil {
				logger.Warn("request failed",
					"method", req.Method,
					"id", id,
					"duration", duration,
					"code", resp.Error.Code,
					"error", resp.Error.Message,
				)
				return resp
			}
			logger.Debug("request handled",
				"method", req.Method,
				"id", id,
				"duration", duration,
			)
			return resp
		}
	}
}
