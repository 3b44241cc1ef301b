package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// ErrNotObject is returned for a payload whose top-level value is not an object.
var ErrNotObject = errors.New("codec: payload is not a JSON object")

var errTrailingData = errors.New("codec: trailing data after JSON object")

// JSONCodec is the payload format of the wire protocol: compact UTF-8 JSON,
// one object per frame. json.Marshal output is already compact, and embedded
// json.RawMessage values are compacted too, so equal envelopes always encode
// to equal bytes.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode accepts exactly one JSON object, surrounded by optional whitespace.
func (c *JSONCodec) Decode(data []byte, v any) error {
	data = bytes.TrimLeft(data, " \t\r\n")
	if len(data) == 0 || data[0] != '{' {
		return ErrNotObject
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errTrailingData
	}
	return nil
}
