package middleware

import (
	"context"
	"runtime/debug"
	"time"

	"os-overview/message"
)

// readOnlyGrace is how long a read-only handler may run past the deadline to
// answer with its degraded (empty or partial) result.
var readOnlyGrace = time.Second

// handlerPanic carries a panic out of the handler goroutine so it is re-raised
// on the request goroutine, where RecoverMiddleware can catch it.
type handlerPanic struct {
	value any
	stack []byte
}

type outcome struct {
	resp  *message.Envelope
	panic *handlerPanic
}

// TimeOutMiddleware bounds a request to timeout. The handler receives a context
// carrying the deadline, which capability calls pass down to the commands they
// run.
//
// When the deadline passes, a mutating method answers with its registry
// failure and its handler goroutine is left to finish on its own. A read-only
// method has no failure code: its handler sees the expired context and
// degrades, and that response is returned. Only a read-only handler that
// ignores its context past readOnlyGrace yields an internal error.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- outcome{panic: &handlerPanic{value: r, stack: debug.Stack()}}
					}
				}()
				done <- outcome{resp: next(ctx, req)}
			}()

			select {
			case o := <-done:
				return o.result()
			case <-ctx.Done():
			}

			if failure, ok := message.FailureFor(req.Method); ok {
				return message.NewError(req.ID, failure.Code, failure.Message)
			}
			select {
			case o := <-done:
				return o.result()
			case <-time.After(readOnlyGrace):
				return message.NewError(req.ID, message.CodeInternal, "Request timed out")
			}
		}
	}
}

func (o outcome) result() *message.Envelope {
	if o.panic != nil {
		panic(o.panic)
	}
	return o.resp
}
