// Package middleware wraps the agent's dispatcher with cross-cutting behaviour.
//
// Chain(A, B, C)(handler) builds A(B(C(handler))): A sees the request first and
// the response last.
package middleware

import (
	"context"

	"os-overview/message"
)

// HandlerFunc turns one request envelope into its response envelope. It never
// returns nil.
type HandlerFunc func(ctx context.Context, req *message.Envelope) *message.Envelope

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
