// Package frame implements the binary audio frame format used on the
// ingress leg of every streaming websocket: a fixed 16-byte little-endian
// header followed by mono PCM16LE samples.
//
//	offset size field
//	0      4    seq         uint32
//	4      8    captureTs   float64 (ms since epoch)
//	12     4    durationMs  float32
//	16     ...  pcm16le
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// HeaderSize is the fixed byte length of the frame header.
const HeaderSize = 16

// ErrInvalidFrame is returned for truncated or misaligned frames.
var ErrInvalidFrame = errors.New("invalid audio frame")

// Frame is one decoded ingress audio frame. CaptureTs is the client's
// wall-clock capture time; it is trusted for latency attribution only.
type Frame struct {
	Seq        uint32
	CaptureTs  float64
	DurationMs float32
	Payload    []byte
}

// Decode parses a binary websocket message into a Frame. The payload
// slice aliases the input buffer; callers that retain the frame past the
// next read must copy it.
func Decode(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrInvalidFrame, len(data), HeaderSize)
	}
	payload := data[HeaderSize:]
	if len(payload)%2 != 0 {
		return Frame{}, fmt.Errorf("%w: payload length %d is not sample aligned", ErrInvalidFrame, len(payload))
	}
	return Frame{
		Seq:        binary.LittleEndian.Uint32(data[0:4]),
		CaptureTs:  math.Float64frombits(binary.LittleEndian.Uint64(data[4:12])),
		DurationMs: math.Float32frombits(binary.LittleEndian.Uint32(data[12:16])),
		Payload:    payload,
	}, nil
}

// Encode serializes a Frame back into wire form. Used by replay, which
// re-feeds recorded audio through the same ingress path.
func Encode(f Frame) []byte {
	out := make([]byte, HeaderSize+len(f.Payload))
	binary.LittleEndian.PutUint32(out[0:4], f.Seq)
	binary.LittleEndian.PutUint64(out[4:12], math.Float64bits(f.CaptureTs))
	binary.LittleEndian.PutUint32(out[12:16], math.Float32bits(f.DurationMs))
	copy(out[HeaderSize:], f.Payload)
	return out
}
