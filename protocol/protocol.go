// Package protocol implements the length-prefixed frame format spoken between the
// operator client and the host agent.
//
// It solves TCP's sticky packet problem with a fixed 4-byte header carrying the
// payload length. The receiver reads the header first to learn the payload length,
// then waits for exactly that many bytes. There is no magic number and no checksum:
// the length field is authoritative, so a corrupted length permanently
// desynchronizes the stream.
//
// Frame format:
//
//	0         4
//	┌─────────┬───────────────────┐
//	│ length  │   payload ...     │
//	│ uint32  │  length bytes     │
//	│   BE    │  (compact JSON)   │
//	└─────────┴───────────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of the big-endian length field.
	HeaderSize = 4
	// MaxPayloadSize bounds a single payload. Uploads and downloads travel
	// base64-encoded inside one frame, so this is generous.
	MaxPayloadSize = 16 << 20
)

// ErrFrameTooLarge is returned when a header announces a payload above MaxPayloadSize.
var ErrFrameTooLarge = errors.New("protocol: frame payload exceeds maximum size")

// AppendFrame appends the frame for payload (header + payload) to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

// WriteFrame writes a complete frame to w in a single Write call.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func WriteFrame(w io.Writer, payload []byte) error {
	buf, err := AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one complete frame from r and returns its payload.
// Uses io.ReadFull to guarantee exactly N bytes are read.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxPayloadSize {
		return nil, fmt.Errorf("%w: header announces %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
