package codec

import (
	"fmt"
	"io"
	"log/slog"

	"os-overview/message"
	"os-overview/protocol"
)

var defaultCodec Codec = &JSONCodec{}

// EncodeFrame serializes env to compact JSON and prepends the 4-byte length header.
func EncodeFrame(env *message.Envelope) ([]byte, error) {
	payload, err := defaultCodec.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("codec: encode envelope: %w", err)
	}
	return protocol.AppendFrame(make([]byte, 0, protocol.HeaderSize+len(payload)), payload)
}

// WriteEnvelope encodes env and writes the frame to w in one Write.
// Callers sharing w across goroutines must serialize calls.
func WriteEnvelope(w io.Writer, env *message.Envelope) error {
	frame, err := EncodeFrame(env)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// DecodePayload parses one frame payload into an envelope.
func DecodePayload(payload []byte) (*message.Envelope, error) {
	var env message.Envelope
	if err := defaultCodec.Decode(payload, &env); err != nil {
		return nil, fmt.Errorf("codec: decode envelope: %w", err)
	}
	return &env, nil
}

// ReadEnvelope reads exactly one frame from r and decodes it.
func ReadEnvelope(r io.Reader) (*message.Envelope, error) {
	payload, err := protocol.ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodePayload(payload)
}

// Decoder reassembles envelopes from one connection's byte stream.
// It is not safe for concurrent use; each connection owns its own Decoder.
type Decoder struct {
	frames *protocol.FrameBuffer
	logger *slog.Logger
	// Dropped counts payloads discarded because they did not parse.
	Dropped int
}

// NewDecoder returns a decoder awaiting its first header. A nil logger
// discards log output.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Decoder{frames: protocol.NewFrameBuffer(), logger: logger}
}

// Feed consumes newly received bytes and returns every envelope they complete,
// in arrival order. A payload that fails to parse is logged and skipped; the
// frames after it are unaffected because the length header already told us
// where it ended. The returned error is non-nil only when the stream itself is
// desynchronized (see protocol.ErrFrameTooLarge), after which the connection
// must be closed.
func (d *Decoder) Feed(data []byte) ([]*message.Envelope, error) {
	payloads, err := d.frames.Feed(data)

	envelopes := make([]*message.Envelope, 0, len(payloads))
	for _, payload := range payloads {
		env, decodeErr := DecodePayload(payload)
		if decodeErr != nil {
			d.Dropped++
			d.logger.Warn("dropping undecodable frame",
				"bytes", len(payload),
				"error", decodeErr,
			)
			continue
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, err
}

// Pending reports whether a partial frame is buffered.
func (d *Decoder) Pending() bool {
	return d.frames.Buffered() > 0 || !d.frames.AwaitingHeader()
}
