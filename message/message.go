// Package message defines the envelope exchanged between the operator client and the host agent.
//
// Envelope is the unit carried by every frame. It gets serialized by the codec layer
// and wrapped in a length-prefixed protocol frame for transmission over TCP.
//
//   - On request:  ID, Method and Params are set; Result and Error are absent.
//   - On response: ID echoes the request, and exactly one of Result or Error is present.
package message

import (
	"encoding/json"
	"fmt"
)

// Envelope carries a single request or response.
type Envelope struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the failure half of a response. It implements error so that callers
// on the client side can recover the code with errors.As.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request envelope. params is marshaled to JSON unless it is
// already a json.RawMessage; a nil params becomes an empty object so the wire
// form always carries "params".
func NewRequest(id int64, method string, params any) (*Envelope, error) {
	raw, err := marshalRaw(params, json.RawMessage(`{}`))
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}
	return &Envelope{ID: &id, Method: method, Params: raw}, nil
}

// NewResult builds a success response for the given request id. A nil id
// produces a response without an id.
func NewResult(id *int64, result any) (*Envelope, error) {
	raw, err := marshalRaw(result, json.RawMessage(`null`))
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Envelope{ID: copyID(id), Result: raw}, nil
}

// NewError builds a failure response for the given request id.
func NewError(id *int64, code int, msg string) *Envelope {
	return &Envelope{ID: copyID(id), Error: &Error{Code: code, Message: msg}}
}

// IsRequest reports whether the envelope is shaped like a request.
func (e *Envelope) IsRequest() bool {
	return e.Method != "" && e.Result == nil && e.Error == nil
}

// IsResponse reports whether the envelope carries exactly one of result or error.
func (e *Envelope) IsResponse() bool {
	return (e.Result != nil) != (e.Error != nil)
}

// IDValue returns the id and whether one was present.
func (e *Envelope) IDValue() (int64, bool) {
	if e.ID == nil {
		return 0, false
	}
	return *e.ID, true
}

// ID returns a pointer to id, convenient for building envelopes by hand.
func ID(id int64) *int64 {
	return &id
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func marshalRaw(v any, empty json.RawMessage) (json.RawMessage, error) {
	if v == nil {
		return empty, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return empty, nil
		}
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
