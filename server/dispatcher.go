package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"os-overview/message"
)

// MethodFunc implements one method. params is the raw "params" member of the
// request (possibly empty). A non-nil *message.Error becomes the response's
// error member; otherwise result is marshaled into its result member.
type MethodFunc func(ctx context.Context, params json.RawMessage) (result any, rpcErr *message.Error)

// Dispatcher maps method names to their implementations. The table is filled
// before the server starts accepting and is read-only afterwards, so lookups
// need no locking.
type Dispatcher struct {
	methods map[string]MethodFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{methods: make(map[string]MethodFunc)}
}

// Register adds a method. Registering the same name twice is a programming
// error and panics.
func (d *Dispatcher) Register(method string, fn MethodFunc) {
	if method == "" || fn == nil {
		panic("server: Register needs a method name and a function")
	}
	if _, dup := d.methods[method]; dup {
		panic(fmt.Sprintf("server: method %q registered twice", method))
	}
	d.methods[method] = fn
}

// Methods returns the registered method names in sorted order.
func (d *Dispatcher) Methods() []string {
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch answers exactly one response for req. It has the
// middleware.HandlerFunc signature and sits innermost in the chain.
//
// An envelope without a method gets -32600, an unregistered method gets -32601
// whatever its params, and the response echoes the request id (or omits it when
// the request had none).
func (d *Dispatcher) Dispatch(ctx context.Context, req *message.Envelope) *message.Envelope {
	if req.Method == "" {
		return message.NewError(req.ID, message.CodeInvalidRequest, "Invalid request")
	}
	fn, ok := d.methods[req.Method]
	if !ok {
		e := message.UnknownMethod(req.Method)
		return message.NewError(req.ID, e.Code, e.Message)
	}

	result, rpcErr := fn(ctx, req.Params)
	if rpcErr != nil {
		return message.NewError(req.ID, rpcErr.Code, rpcErr.Message)
	}
	resp, err := message.NewResult(req.ID, result)
	if err != nil {
		return message.NewError(req.ID, message.CodeInternal, "Internal error")
	}
	return resp
}
