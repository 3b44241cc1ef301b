package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"os-overview/message"
)

// RecoverMiddleware turns a panicking handler into an internal-error response so
// that one bad request never takes the agent down.
func RecoverMiddleware(logger *slog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (resp *message.Envelope) {
			defer func() {
				if r := recover(); r != nil {
					value, stack := r, debug.Stack()
					// Re-raised by TimeOutMiddleware from the handler goroutine.
					if hp, ok := r.(*handlerPanic); ok {
						value, stack = hp.value, hp.stack
					}
					logger.Error("handler panicked",
						"method", req.Method,
						"panic", fmt.Sprint(value),
						"stack", string(stack),
					)
					resp = message.NewError(req.ID, message.CodeInternal, "Internal error")
				}
			}()
			return next(ctx, req)
		}
	}
}
