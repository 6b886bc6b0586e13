// Copyright (c) 2021 Nutanix, Inc.
package frame

import (
	"fmt"
	"math"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldKind      protowire.Number = 1
	fieldSession   protowire.Number = 2
	fieldSeq       protowire.Number = 3
	fieldTotal     protowire.Number = 4
	fieldSize      protowire.Number = 5
	fieldPayload   protowire.Number = 6
	fieldFlags     protowire.Number = 7
	fieldTimestamp protowire.Number = 8
)

const flagSnappy uint64 = 1 << 0

// envelopeOverhead bounds the bytes a data envelope adds around its payload:
// tags, kind, session, seq, payload length, flags and timestamp.
const envelopeOverhead = 64

// Tagged encodes every frame in a protobuf wire envelope that names its kind,
// the sender session and the frame sequence number. Empty payloads decode to KindNone.
type Tagged struct {
	// Compress snappy-compresses data payloads
	Compress bool
}

var _ Codec = (*Tagged)(nil)

// Name returns the wire format name
func (t *Tagged) Name() string { return TaggedName }

// Sequenced always returns true
func (t *Tagged) Sequenced() bool { return true }

// MaxEncodedLen bounds the envelope of a data frame carrying n stream bytes
func (t *Tagged) MaxEncodedLen(n int) int {
	if t.Compress {
		n = snappy.MaxEncodedLen(n)
	}
	return n + envelopeOverhead
}

// Encode returns the envelope for f
func (t *Tagged) Encode(f Frame) ([]byte, error) {
	if f.Kind < KindHeader || f.Kind > KindClear {
		return nil, fmt.Errorf("%w: cannot encode %s frame", ErrMalformed, f.Kind)
	}
	if f.Kind == KindData && len(f.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty data frame", ErrMalformed)
	}

	payload := f.Payload
	var flags uint64
	if t.Compress && f.Kind == KindData {
		payload = snappy.Encode(nil, payload)
		flags |= flagSnappy
	}

	b := make([]byte, 0, len(payload)+64)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	b = protowire.AppendTag(b, fieldSession, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Session[:])
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Seq))
	if f.Kind == KindHeader {
		b = protowire.AppendTag(b, fieldTotal, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Total))
		b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
		b = protowire.AppendVarint(b, f.Size)
	}
	if len(payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	if flags != 0 {
		b = protowire.AppendTag(b, fieldFlags, protowire.VarintType)
		b = protowire.AppendVarint(b, flags)
	}
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(time.Now().UnixNano()))
	return b, nil
}

// Decode parses an envelope. Unknown fields are skipped.
func (t *Tagged) Decode(payload []byte, _ bool) (Frame, error) {
	if len(payload) == 0 {
		return Frame{Kind: KindNone}, nil
	}

	var (
		f       Frame
		flags   uint64
		session []byte
		b       = payload
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && num != fieldSession && num != fieldPayload:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if n < 0 {
				break
			}
			switch num {
			case fieldKind:
				if v > math.MaxUint8 {
					return Frame{}, fmt.Errorf("%w: kind %d out of range", ErrMalformed, v)
				}
				f.Kind = Kind(v)
			case fieldSeq:
				if v > math.MaxUint32 {
					return Frame{}, fmt.Errorf("%w: sequence %d out of range", ErrMalformed, v)
				}
				f.Seq = uint32(v)
			case fieldTotal:
				if v > math.MaxUint32 {
					return Frame{}, fmt.Errorf("%w: frame count %d out of range", ErrMalformed, v)
				}
				f.Total = uint32(v)
			case fieldSize:
				f.Size = v
			case fieldFlags:
				flags = v
			}
		case typ == protowire.BytesType && num == fieldSession:
			session, n = protowire.ConsumeBytes(b)
		case typ == protowire.BytesType && num == fieldPayload:
			f.Payload, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return Frame{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
	}

	if f.Kind < KindHeader || f.Kind > KindClear {
		return Frame{}, fmt.Errorf("%w: unknown kind %d", ErrMalformed, uint8(f.Kind))
	}
	id, err := uuid.FromBytes(session)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: session: %v", ErrMalformed, err)
	}
	f.Session = id

	if flags&flagSnappy != 0 {
		raw, err := snappy.Decode(nil, f.Payload)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: snappy: %v", ErrMalformed, err)
		}
		f.Payload = raw
	}
	if f.Kind == KindData && len(f.Payload) == 0 {
		return Frame{}, fmt.Errorf("%w: empty data frame", ErrMalformed)
	}
	return f, nil
}
