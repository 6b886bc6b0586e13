// Copyright (c) 2021 Nutanix, Inc.
package frame

import "fmt"

// Legacy is the untagged wire format of earlier ncmqtt releases. Frames carry no tag:
// a clear is an empty payload, a terminator is a lone EOT byte and the header is
// recognised only by being the first stream frame.
type Legacy struct{}

var _ Codec = Legacy{}

// Name returns the wire format name
func (Legacy) Name() string { return LegacyName }

// Sequenced always returns false
func (Legacy) Sequenced() bool { return false }

// Encode returns the raw payload for f
func (Legacy) Encode(f Frame) ([]byte, error) {
	switch f.Kind {
	case KindHeader:
		return EncodeHeader(f.Total), nil
	case KindData:
		if len(f.Payload) == 0 {
			return nil, fmt.Errorf("%w: empty data frame", ErrMalformed)
		}
		return f.Payload, nil
	case KindTerminator:
		return []byte{EOT}, nil
	case KindClear:
		return []byte{}, nil
	}
	return nil, fmt.Errorf("%w: cannot encode %s frame", ErrMalformed, f.Kind)
}

// MaxEncodedLen returns n; data frames travel unchanged
func (Legacy) MaxEncodedLen(n int) int { return n }

// Decode classifies payload by shape and by the receiver phase
func (Legacy) Decode(payload []byte, awaitingHeader bool) (Frame, error) {
	switch {
	case len(payload) == 0:
		return Frame{Kind: KindClear}, nil
	case IsTerminator(payload):
		return Frame{Kind: KindTerminator}, nil
	case awaitingHeader:
		total, err := DecodeHeader(payload)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: KindHeader, Total: total}, nil
	}
	return Frame{Kind: KindData, Payload: payload}, nil
}
