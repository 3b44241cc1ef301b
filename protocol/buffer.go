package protocol

import (
	"encoding/binary"
	"fmt"
)

// FrameBuffer reassembles frames from a byte stream delivered in arbitrary chunks.
// It is the per-connection frame state: one FrameBuffer per socket, touched only by
// that socket's read path.
//
// The state machine has two phases:
//
//	awaiting header:  need HeaderSize bytes to learn the length
//	awaiting payload: need expected bytes buffered
//
// Expected reports 0 while awaiting a header. A zero-length frame is legal; it
// completes as soon as its header is read.
type FrameBuffer struct {
	buf       []byte
	expected  uint32
	inPayload bool
	err       error
}

// NewFrameBuffer returns an empty buffer awaiting a header. The zero value is
// equally ready to use.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{}
}

// Feed appends newly received bytes and returns every payload completed by them,
// in stream order. Feeding nil or an empty slice returns nothing and leaves the
// phase unchanged.
//
// Once a header announces a payload above MaxPayloadSize the stream cannot be
// resynchronized: Feed returns the payloads completed before it, and every call
// from then on returns ErrFrameTooLarge.
func (b *FrameBuffer) Feed(data []byte) ([][]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.buf = append(b.buf, data...)

	var frames [][]byte
	for {
		if !b.inPayload {
			if len(b.buf) < HeaderSize {
				break
			}
			length := binary.BigEndian.Uint32(b.buf[:HeaderSize])
			if length > MaxPayloadSize {
				b.err = fmt.Errorf("%w: header announces %d bytes", ErrFrameTooLarge, length)
				b.buf = nil
				return frames, b.err
			}
			b.buf = b.buf[HeaderSize:]
			b.expected = length
			b.inPayload = true
		}

		if uint32(len(b.buf)) < b.expected {
			break
		}

		payload := make([]byte, b.expected)
		copy(payload, b.buf[:b.expected])
		b.buf = b.buf[b.expected:]
		b.expected = 0
		b.inPayload = false
		frames = append(frames, payload)
	}

	// Drop the consumed prefix so the backing array does not grow without bound.
	if len(b.buf) == 0 {
		b.buf = nil
	} else if cap(b.buf) > 2*len(b.buf)+4096 {
		b.buf = append([]byte(nil), b.buf...)
	}
	return frames, nil
}

// Expected returns the payload length being waited for, or 0 while awaiting a header.
func (b *FrameBuffer) Expected() uint32 {
	if !b.inPayload {
		return 0
	}
	return b.expected
}

// AwaitingHeader reports whether the next bytes are header bytes.
func (b *FrameBuffer) AwaitingHeader() bool {
	return !b.inPayload
}

// Buffered returns how many bytes are held without yet completing a frame.
func (b *FrameBuffer) Buffered() int {
	return len(b.buf)
}

// Reset discards all buffered bytes and returns to awaiting a header.
func (b *FrameBuffer) Reset() {
	b.buf = nil
	b.expected = 0
	b.inPayload = false
	b.err = nil
}
