// Package transport implements the client side of a connection to an agent:
// framing outgoing requests and correlating the responses that come back.
//
// Any number of requests may be outstanding on one connection. Each gets a
// unique id and a pending entry; a background goroutine (recvLoop) reads
// responses and resolves the entry whose id they carry.
//
//	goroutine-1 ──Send(id=1)──┐
//	goroutine-2 ──Send(id=2)──┼──→ single TCP conn ──→ agent
//	goroutine-3 ──Send(id=3)──┘
//
//	recvLoop:  ←── response(id=2) → take pending[2] → its continuation runs
//
// The agent answers in arrival order, but nothing here relies on that.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"os-overview/codec"
	"os-overview/message"
)

// ErrNotConnected is returned by Send once the connection is gone.
var ErrNotConnected = errors.New("transport: not connected")

const readBufferSize = 32 << 10

// IDAllocator hands out request ids: 1, 2, 3, ... It belongs to a client
// session and is shared by every transport the session opens, so ids are never
// reused across reconnects.
type IDAllocator struct {
	last atomic.Int64
}

func (a *IDAllocator) Next() int64 {
	return a.last.Add(1)
}

// Callback receives the outcome of one request: the result on success, or the
// error (a wire error, or a local one with code -32098 or -32099).
type Callback func(result json.RawMessage, err *message.Error)

// ResultHandler handles successful results of requests sent without a Callback.
type ResultHandler func(method string, result json.RawMessage)

// ErrorHandler handles failures of requests sent without a Callback.
type ErrorHandler func(method string, err *message.Error)

type pendingCall struct {
	method string
	cb     Callback
}

// ClientTransport manages a single connection to an agent.
type ClientTransport struct {
	conn   net.Conn
	ids    *IDAllocator
	logger *slog.Logger

	sending sync.Mutex // serializes frame writes; frames must never interleave

	mu       sync.Mutex
	pending  map[int64]*pendingCall
	closed   bool
	handlers map[string]ResultHandler
	fallback ResultHandler
	onError  ErrorHandler

	done chan struct{}
}

// NewClientTransport takes ownership of conn and starts the receive loop. ids
// may be shared with other transports of the same session; nil gets a fresh
// allocator.
func NewClientTransport(conn net.Conn, ids *IDAllocator, logger *slog.Logger) *ClientTransport {
	if ids == nil {
		ids = &IDAllocator{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	t := &ClientTransport{
		conn:     conn,
		ids:      ids,
		logger:   logger.With("remote", conn.RemoteAddr().String()),
		pending:  make(map[int64]*pendingCall),
		handlers: make(map[string]ResultHandler),
		done:     make(chan struct{}),
	}
	go t.recvLoop()
	return t
}

// Handle sets the handler for successful results of method when the request
// was sent without a Callback.
func (t *ClientTransport) Handle(method string, fn ResultHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[method] = fn
}

// HandleDefault sets the handler for results no other handler claims.
func (t *ClientTransport) HandleDefault(fn ResultHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fallback = fn
}

// HandleError sets the handler for failures of requests sent without a Callback.
func (t *ClientTransport) HandleError(fn ErrorHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = fn
}

// Send writes a request and returns its id. The outcome is delivered to cb if
// non-nil, otherwise to the handlers registered for method. It never queues or
// retries: a closed connection yields ErrNotConnected.
//
// The pending entry exists before the frame is written, so even an instant
// response finds it.
func (t *ClientTransport) Send(method string, params any, cb Callback) (int64, error) {
	id := t.ids.Next()
	req, err := message.NewRequest(id, method, params)
	if err != nil {
		return 0, err
	}
	frame, err := codec.EncodeFrame(req)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrNotConnected
	}
	t.pending[id] = &pendingCall{method: method, cb: cb}
	t.mu.Unlock()

	t.sending.Lock()
	_, err = t.conn.Write(frame)
	t.sending.Unlock()
	if err != nil {
		if t.take(id) == nil {
			// recvLoop saw the connection drop first and already failed it.
			return id, nil
		}
		return 0, err
	}
	return id, nil
}

// Call sends a request and waits for its outcome. A wire error comes back as
// *message.Error. If ctx ends first the pending entry is dropped, and a late
// response is then treated as an unknown id.
func (t *ClientTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	type outcome struct {
		result json.RawMessage
		err    *message.Error
	}
	ch := make(chan outcome, 1) // buffered: recvLoop must never block on it

	id, err := t.Send(method, params, func(result json.RawMessage, err *message.Error) {
		ch <- outcome{result, err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case o := <-ch:
		if o.err != nil {
			return nil, o.err
		}
		return o.result, nil
	case <-ctx.Done():
		t.take(id)
		return nil, ctx.Err()
	}
}

// Pending returns the number of outstanding requests.
func (t *ClientTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Done is closed once the connection is gone and every pending request failed.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Close closes the connection and waits until every pending request has been
// failed with -32099.
func (t *ClientTransport) Close() error {
	err := t.conn.Close()
	<-t.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// take removes and returns the pending entry for id. Each entry is taken at
// most once.
func (t *ClientTransport) take(id int64) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return call
}

// recvLoop runs in a dedicated goroutine, continuously reading from the
// connection. TCP is a byte stream, so reads stay on this one goroutine and the
// Decoder reassembles frames across them.
func (t *ClientTransport) recvLoop() {
	defer close(t.done)
	decoder := codec.NewDecoder(t.logger)
	buf := make([]byte, readBufferSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			envelopes, decodeErr := decoder.Feed(buf[:n])
			for _, env := range envelopes {
				t.onResponse(env)
			}
			if decodeErr != nil {
				t.logger.Warn("closing desynchronized connection", "error", decodeErr)
				t.conn.Close()
				t.closeAllPending()
				return
			}
		}
		if err != nil {
			t.logger.Debug("connection closed", "error", err)
			t.closeAllPending()
			return
		}
	}
}

// onResponse resolves one response envelope.
func (t *ClientTransport) onResponse(env *message.Envelope) {
	id, ok := env.IDValue()
	if !ok {
		t.logger.Warn("dropping response without id", "error", env.Error)
		return
	}
	call := t.take(id)
	if call == nil {
		t.logger.Warn("dropping response for unknown id", "id", id)
		return
	}

	switch {
	case env.Error != nil:
		t.fail(call, env.Error)
	case env.Result == nil:
		t.fail(call, &message.Error{
			Code:    message.CodeInvalidResponse,
			Message: "Response carries neither result nor error",
		})
	default:
		t.succeed(call, env.Result)
	}
}

func (t *ClientTransport) succeed(call *pendingCall, result json.RawMessage) {
	if call.cb != nil {
		call.cb(result, nil)
		return
	}
	t.mu.Lock()
	fn, ok := t.handlers[call.method]
	if !ok {
		fn = t.fallback
	}
	t.mu.Unlock()

	if fn == nil {
		t.logger.Info("operation finished", "method", call.method)
		return
	}
	fn(call.method, result)
}

func (t *ClientTransport) fail(call *pendingCall, rpcErr *message.Error) {
	if call.cb != nil {
		call.cb(nil, rpcErr)
		return
	}
	t.mu.Lock()
	fn := t.onError
	t.mu.Unlock()

	if fn == nil {
		t.logger.Warn("request failed", "method", call.method, "code", rpcErr.Code, "error", rpcErr.Message)
		return
	}
	fn(call.method, rpcErr)
}

// closeAllPending is called when the connection breaks. Every outstanding
// request fails with -32099, in id order, so no caller waits forever.
func (t *ClientTransport) closeAllPending() {
	t.mu.Lock()
	t.closed = true
	pending := t.pending
	t.pending = make(map[int64]*pendingCall)
	t.mu.Unlock()

	ids := make([]int64, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		t.fail(pending[id], &message.Error{
			Code:    message.CodeConnectionClosed,
			Message: "Connection closed",
		})
	}
}
