// Copyright (c) 2021 Nutanix, Inc.
package frame

import (
	"errors"
	"fmt"
)

const (
	// LegacyName selects the raw wire format of earlier ncmqtt releases
	LegacyName = "legacy"
	// TaggedName selects the kind tagged envelope
	TaggedName = "tagged"
)

// ErrCompressUnsupported is returned when compression is requested for a codec that cannot signal it
var ErrCompressUnsupported = errors.New("frame: codec cannot carry compressed payloads")

// Codec converts frames to and from broker payloads
type Codec interface {
	// Name returns the wire format name
	Name() string
	// Sequenced reports whether decoded frames carry session and sequence numbers
	Sequenced() bool
	// Encode returns the broker payload for f
	Encode(f Frame) ([]byte, error)
	// Decode parses payload. awaitingHeader tells position-based codecs that the
	// next stream frame is the header.
	Decode(payload []byte, awaitingHeader bool) (Frame, error)
	// MaxEncodedLen bounds the broker payload of a data frame carrying n stream bytes
	MaxEncodedLen(n int) int
}

// NewCodec returns the codec registered under name
func NewCodec(name string, compress bool) (Codec, error) {
	switch name {
	case LegacyName:
		if compress {
			return nil, ErrCompressUnsupported
		}
		return Legacy{}, nil
	case TaggedName, "":
		return &Tagged{Compress: compress}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}
