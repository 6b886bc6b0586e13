// Copyright (c) 2021 Nutanix, Inc.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	// DefaultCapacity is the largest number of stream bytes carried by one data frame
	DefaultCapacity = 1024 * 500
	// MaxCapacity bounds the configurable chunk size
	MaxCapacity = 16 * 1024 * 1024
	// HeaderSize is the width of the legacy header frame
	HeaderSize = 4
	// EOT is the single byte carried by a legacy terminator frame
	EOT byte = 0x04
)

var (
	ErrEmptyStream     = errors.New("frame: empty stream")
	ErrInvalidCapacity = errors.New("frame: invalid chunk capacity")
	ErrTooManyFrames   = errors.New("frame: frame count overflows header")
	ErrHeaderSize      = errors.New("frame: header must be 4 bytes")
	ErrShortRead       = errors.New("frame: short read")
	ErrMalformed       = errors.New("frame: malformed payload")
	ErrUnknownCodec    = errors.New("frame: unknown codec")
)

// Kind identifies the role of a frame within a transfer
type Kind uint8

const (
	// KindNone is an empty payload that carries nothing for the stream
	KindNone Kind = iota
	KindHeader
	KindData
	KindTerminator
	KindClear
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindHeader:
		return "header"
	case KindData:
		return "data"
	case KindTerminator:
		return "terminator"
	case KindClear:
		return "clear"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Frame is one decoded message of a transfer.
//
// Session and Seq are only populated by sequenced codecs. Total is set on header frames,
// Size only when the codec carries the stream length.
type Frame struct {
	Kind    Kind
	Session uuid.UUID
	Seq     uint32
	Total   uint32
	Size    uint64
	Payload []byte
}

// Header builds a header frame advertising total data frames
func Header(session uuid.UUID, total uint32, size uint64) Frame {
	return Frame{Kind: KindHeader, Session: session, Total: total, Size: size}
}

// Data builds the data frame with sequence number seq (1-based)
func Data(session uuid.UUID, seq uint32, payload []byte) Frame {
	return Frame{Kind: KindData, Session: session, Seq: seq, Payload: payload}
}

// Terminator builds the end-of-stream frame following total data frames
func Terminator(session uuid.UUID, total uint32) Frame {
	return Frame{Kind: KindTerminator, Session: session, Seq: total + 1}
}

// Clear builds the acknowledgement for the frame with sequence number seq
func Clear(session uuid.UUID, seq uint32) Frame {
	return Frame{Kind: KindClear, Session: session, Seq: seq}
}

// EncodeHeader encodes the frame count of a legacy header frame.
// Earlier releases wrote a native int on little-endian hosts; the order is fixed to match them.
func EncodeHeader(total uint32) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf, total)
	return buf
}

// DecodeHeader decodes a legacy header frame
func DecodeHeader(payload []byte) (uint32, error) {
	if len(payload) != HeaderSize {
		return 0, fmt.Errorf("%w: got %d bytes", ErrHeaderSize, len(payload))
	}
	return binary.LittleEndian.Uint32(payload), nil
}

// IsTerminator reports whether payload has the shape of a legacy terminator frame
func IsTerminator(payload []byte) bool {
	return len(payload) == 1 && payload[0] == EOT
}

// IsHeader reports whether the frame at index is the header of its transfer.
// The role is positional: a 4 byte data chunk cannot be told apart from a header by content.
func IsHeader(index int) bool {
	return index == 0
}
