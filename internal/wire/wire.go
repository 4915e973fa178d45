// Package wire defines the binary frames exchanged between relay and clients.
//
// A frame is a varint kind followed by a length-prefixed payload. Payloads are
// opaque here: state vectors, CRDT updates and awareness states are encoded by
// their owning packages.
package wire

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/roach88/notepulse/internal/errs"
)

// Kind discriminates frame payloads.
type Kind uint8

const (
	SyncStep1 Kind = iota // payload: encoded state vector
	SyncStep2             // payload: CRDT update answering a state vector
	Update                // payload: CRDT update
	Awareness             // payload: encoded awareness entries
)

func (k Kind) String() string {
	switch k {
	case SyncStep1:
		return "SYNC_STEP1"
	case SyncStep2:
		return "SYNC_STEP2"
	case Update:
		return "UPDATE"
	case Awareness:
		return "AWARENESS"
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// Frame is one message on a relay connection.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// Encode serializes f.
func Encode(f Frame) []byte {
	b := make([]byte, 0, len(f.Payload)+protowire.SizeVarint(uint64(len(f.Payload)))+1)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	return protowire.AppendBytes(b, f.Payload)
}

// Decode parses a single frame. Unknown kinds, truncated payloads and
// trailing bytes are DECODE errors.
func Decode(data []byte) (Frame, error) {
	k, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return Frame{}, errs.New(errs.CodeDecode, "decode frame", protowire.ParseError(n))
	}
	if k > uint64(Awareness) {
		return Frame{}, errs.Newf(errs.CodeDecode, "decode frame", "unknown kind %d", k)
	}
	data = data[n:]
	payload, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return Frame{}, errs.New(errs.CodeDecode, "decode frame", protowire.ParseError(n))
	}
	if n != len(data) {
		return Frame{}, errs.Newf(errs.CodeDecode, "decode frame", "%d trailing bytes", len(data)-n)
	}
	return Frame{Kind: Kind(k), Payload: payload}, nil
}

const roomPrefix = "doc-"

// RoomKey returns the room key for a document id.
func RoomKey(documentID string) string {
	return roomPrefix + documentID
}

// ParseRoomKey extracts the document id from a room key.
func ParseRoomKey(key string) (string, error) {
	id, ok := strings.CutPrefix(key, roomPrefix)
	if !ok || id == "" {
		return "", fmt.Errorf("invalid room key %q: want %s<documentId>", key, roomPrefix)
	}
	if strings.ContainsAny(id, "/ \t\r\n") {
		return "", fmt.Errorf("invalid room key %q: document id contains separator", key)
	}
	return id, nil
}
