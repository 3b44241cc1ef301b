package middleware

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"os-overview/message"
)

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, req *message.Envelope) *message.Envelope {
	return &message.Envelope{ID: req.ID, Result: json.RawMessage(`"ok"`)}
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, req *message.Envelope) *message.Envelope {
	time.Sleep(200 * time.Millisecond)
	return &message.Envelope{ID: req.ID, Result: json.RawMessage(`"ok"`)}
}

func panicHandler(ctx context.Context, req *message.Envelope) *message.Envelope {
	panic("boom")
}

func newRequest(method string) *message.Envelope {
	return &message.Envelope{ID: message.ID(1), Method: method, Params: json.RawMessage(`{}`)}
}

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(quietLogger)(echoHandler)

	resp := handler(context.Background(), newRequest(message.MethodGetUserList))
	if resp == nil {
		t.Fatal("expect non-nil response")
	}
	if string(resp.Result) != `"ok"` {
		t.Fatalf("expect result 'ok', got '%s'", resp.Result)
	}
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), newRequest(message.MethodGetUserList))
	if resp.Error != nil {
		t.Fatalf("expect no error, got '%v'", resp.Error)
	}
}

// 只读方法超时：handler 感知 ctx 过期后降级为空结果，中间件返回该结果
func TestTimeoutExceededReadOnlyDegrades(t *testing.T) {
	degrading := func(ctx context.Context, req *message.Envelope) *message.Envelope {
		<-ctx.Done()
		return &message.Envelope{ID: req.ID, Result: json.RawMessage(`[]`)}
	}
	handler := TimeOutMiddleware(50 * time.Millisecond)(degrading)

	resp := handler(context.Background(), newRequest(message.MethodGetServiceList))
	if resp.Error != nil || string(resp.Result) != `[]` {
		t.Fatalf("expect degraded empty result, got %+v", resp)
	}
	if id, _ := resp.IDValue(); id != 1 {
		t.Fatalf("timeout response must keep the request id, got %d", id)
	}
}

// 只读 handler 忽略 ctx 超过宽限期，才返回内部错误
func TestTimeoutReadOnlyHandlerIgnoringContext(t *testing.T) {
	defer func(g time.Duration) { readOnlyGrace = g }(readOnlyGrace)
	readOnlyGrace = 20 * time.Millisecond

	block := make(chan struct{})
	defer close(block)
	stuck := func(ctx context.Context, req *message.Envelope) *message.Envelope {
		<-block
		return &message.Envelope{ID: req.ID, Result: json.RawMessage(`"late"`)}
	}
	handler := TimeOutMiddleware(20 * time.Millisecond)(stuck)

	resp := handler(context.Background(), newRequest(message.MethodGetSystemInfo))
	if resp.Error == nil || resp.Error.Code != message.CodeInternal {
		t.Fatalf("expect internal timeout error, got '%+v'", resp.Error)
	}
}

func TestTimeoutExceededMutationUsesRegistryCode(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	resp := handler(context.Background(), newRequest(message.MethodManageService))
	if resp.Error == nil || resp.Error.Code != message.CodeManageService {
		t.Fatalf("expect code %d, got '%+v'", message.CodeManageService, resp.Error)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	req := newRequest(message.MethodGetUserList)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), req)
		if resp.Error != nil {
			t.Fatalf("request %d should pass, got error: %v", i, resp.Error)
		}
	}

	resp := handler(context.Background(), req)
	if resp.Error == nil || resp.Error.Code != message.CodeRateLimited {
		t.Fatalf("request 3 should be rate limited, got: '%+v'", resp.Error)
	}
}

func TestRecover(t *testing.T) {
	handler := RecoverMiddleware(quietLogger)(panicHandler)

	resp := handler(context.Background(), newRequest(message.MethodGetUserList))
	if resp.Error == nil || resp.Error.Code != message.CodeInternal {
		t.Fatalf("expect internal error after panic, got %+v", resp)
	}
}

// Timeout 在新 goroutine 中执行 handler，panic 必须回到外层的 Recover
func TestRecoverCatchesPanicInsideTimeout(t *testing.T) {
	// Same order as the agent's serve command.
	chained := Chain(
		RecoverMiddleware(quietLogger),
		LoggingMiddleware(quietLogger),
		RateLimitMiddleware(100, 100),
		TimeOutMiddleware(time.Second),
	)
	handler := chained(panicHandler)

	for _, method := range []string{message.MethodGetUserList, message.MethodAddUser} {
		resp := handler(context.Background(), newRequest(method))
		if resp.Error == nil || resp.Error.Code != message.CodeInternal {
			t.Fatalf("%s: expect internal error after panic, got %+v", method, resp)
		}
	}
}

func TestTimeoutReraisesPanicOnCaller(t *testing.T) {
	defer func() {
		r := recover()
		hp, ok := r.(*handlerPanic)
		if !ok || hp.value != "boom" || len(hp.stack) == 0 {
			t.Fatalf("expect handler panic with stack, got %#v", r)
		}
	}()
	TimeOutMiddleware(time.Second)(panicHandler)(context.Background(), newRequest(message.MethodGetUserList))
	t.Fatal("panic was swallowed")
}

func TestChain(t *testing.T) {
	// 用 Chain 组合 Logging + Timeout，验证请求能正常穿过
	chained := Chain(RecoverMiddleware(quietLogger), LoggingMiddleware(quietLogger), TimeOutMiddleware(500*time.Millisecond))
	handler := chained(echoHandler)

	resp := handler(context.Background(), newRequest(message.MethodGetUserList))
	if resp == nil {
		t.Fatal("expect non-nil response")
	}
	if resp.Error != nil {
		t.Fatalf("expect no error, got '%v'", resp.Error)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Envelope) *message.Envelope {
				order = append(order, name+".before")
				resp := next(ctx, req)
				order = append(order, name+".after")
				return resp
			}
		}
	}

	Chain(mark("A"), mark("B"))(echoHandler)(context.Background(), newRequest("x"))

	want := []string{"A.before", "B.before", "B.after", "A.after"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}
