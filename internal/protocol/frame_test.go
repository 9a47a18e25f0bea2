package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameEncodeDecode(t *testing.T) {
	testCases := []struct {
		desc    string
		kind    MessageKind
		payload []byte
	}{
		{"sync with payload", MessageSync, []byte{0xde, 0xad, 0xbe, 0xef}},
		{"sync empty", MessageSync, nil},
		{"awareness", MessageAwareness, []byte(`{"clients":{}}`)},
		{"query awareness", MessageQueryAwareness, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			encoded := EncodeFrame(nil, tc.kind, tc.payload)
			frame, err := DecodeFrame(encoded)
			if err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			if frame.Kind != tc.kind {
				t.Fatalf("kind mismatch: got %d want %d", frame.Kind, tc.kind)
			}
			if !bytes.Equal(frame.Payload, tc.payload) {
				t.Fatalf("payload mismatch: got %x want %x", frame.Payload, tc.payload)
			}
		})
	}
}

func TestFrameDecodeRejectsGarbage(t *testing.T) {
	testCases := []struct {
		desc  string
		input []byte
		want  error
	}{
		{"empty", nil, ErrBadFrame},
		{"unknown kind", []byte{0x07, 0x01}, ErrUnknownKind},
		{"query with payload", []byte{0x03, 0x01}, ErrBadFrame},
		{"truncated varint", []byte{0x80}, ErrBadFrame},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			if _, err := DecodeFrame(tc.input); !errors.Is(err, tc.want) {
				t.Fatalf("error mismatch: got %v want %v", err, tc.want)
			}
		})
	}
}

func TestFrameEncodeAppendsToDst(t *testing.T) {
	dst := []byte{0xff}
	encoded := EncodeFrame(dst, MessageSync, []byte{0x01})
	if !bytes.Equal(encoded, []byte{0xff, 0x00, 0x01}) {
		t.Fatalf("append mismatch: got %x", encoded)
	}
}
