package frame

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := Frame{
		Seq:        42,
		CaptureTs:  1700000000123.5,
		DurationMs: 250,
		Payload:    []byte{0x01, 0x02, 0x03, 0x04},
	}
	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.Seq != in.Seq || out.CaptureTs != in.CaptureTs || out.DurationMs != in.DurationMs {
		t.Fatalf("header mismatch: got %+v want %+v", out, in)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch: got %v want %v", out.Payload, in.Payload)
	}
}

func TestDecodeRejectsShortInput(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1))
	if !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("error = %v, want ErrInvalidFrame", err)
	}
}

func TestDecodeRejectsOddPayload(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize+3))
	if !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("error = %v, want ErrInvalidFrame", err)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	f, err := Decode(make([]byte, HeaderSize))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(f.Payload) != 0 {
		t.Fatalf("payload length = %d, want 0", len(f.Payload))
	}
}
