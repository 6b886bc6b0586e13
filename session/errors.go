// Copyright (c) 2021 Nutanix, Inc.
package session

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput is returned before any frame is published when the input has no bytes
	ErrEmptyInput = errors.New("session: empty input")
	// ErrIncompleteRead is returned when the input ends before the size announced in the header
	ErrIncompleteRead = errors.New("session: input ended before its announced size")
	ErrRead           = errors.New("session: read failed")
	ErrPublish        = errors.New("session: publish failed")
	ErrConfirmTimeout = errors.New("session: delivery not confirmed")
	ErrWrite          = errors.New("session: write failed")
	// ErrProtocol reports a frame that does not fit the transfer state
	ErrProtocol = errors.New("session: protocol error")
	// ErrUnframeable is returned when a data frame would be a lone 0x04 byte, which
	// legacy receivers read as the end of the stream
	ErrUnframeable = errors.New("session: stream cannot be framed in the legacy wire format")
	// ErrFrameTooLarge is returned before any publish when a data frame exceeds the broker payload limit
	ErrFrameTooLarge = errors.New("session: frame exceeds broker payload limit")
	// ErrTimeout is returned when the peer stays silent longer than the idle timeout
	ErrTimeout = errors.New("session: peer timed out")
)

func protocolErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
