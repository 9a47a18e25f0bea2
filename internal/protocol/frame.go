package protocol

import (
	"encoding/binary"

	"github.com/yanun0323/errors"
)

var (
	ErrBadFrame    = errors.New("protocol: malformed frame")
	ErrUnknownKind = errors.New("protocol: unknown message kind")
)

// MessageKind discriminates the two logical channels multiplexed on one
// connection, plus the presence re-broadcast request.
type MessageKind uint8

const (
	// MessageSync carries document replica bytes. The payload is the
	// replica's own sync sub-protocol (state vector, catch-up update, or
	// unsolicited update) and is opaque at this layer.
	MessageSync MessageKind = 0
	// MessageAwareness carries an encoded set of changed presence entries.
	MessageAwareness MessageKind = 1
	// MessageQueryAwareness asks the peer to re-broadcast its full
	// presence table. It carries no payload.
	MessageQueryAwareness MessageKind = 3
)

// Frame is one wire message: exactly one kind tag followed by exactly one
// payload blob. Heterogeneous messages are never batched into a frame.
type Frame struct {
	Kind    MessageKind
	Payload []byte
}

// EncodeFrame appends the varint kind tag and payload to dst.
func EncodeFrame(dst []byte, kind MessageKind, payload []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(kind))
	return append(dst, payload...)
}

// DecodeFrame parses a single frame. The returned payload aliases src.
func DecodeFrame(src []byte) (Frame, error) {
	kind, n, err := decodeKind(src)
	if err != nil {
		return Frame{}, err
	}
	payload := src[n:]
	if kind == MessageQueryAwareness && len(payload) != 0 {
		return Frame{}, ErrBadFrame
	}
	return Frame{Kind: kind, Payload: payload}, nil
}

func decodeKind(src []byte) (MessageKind, int, error) {
	raw, n := binary.Uvarint(src)
	if n <= 0 {
		return 0, 0, ErrBadFrame
	}
	switch kind := MessageKind(raw); kind {
	case MessageSync, MessageAwareness, MessageQueryAwareness:
		return kind, n, nil
	default:
		return 0, 0, ErrUnknownKind
	}
}
