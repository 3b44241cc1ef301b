// Package codec turns envelopes into frames and frames back into envelopes.
//
// The payload format is compact JSON (UTF-8 text); framing is delegated to the
// protocol package. Decoder is the streaming half: it owns one connection's
// protocol.FrameBuffer and yields complete envelopes as bytes arrive.
package codec

// Codec serializes frame payloads. The wire protocol admits a single payload
// format, JSONCodec, so there is no type byte to select one.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}
