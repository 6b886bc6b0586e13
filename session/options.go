// Copyright (c) 2021 Nutanix, Inc.
package session

import (
	"io"
	"time"

	"github.com/nutanix/ncmqtt/frame"
	"github.com/nutanix/ncmqtt/progress"
)

const (
	// DefaultConfirmTimeout bounds each wait for a broker delivery confirmation
	DefaultConfirmTimeout = 1000 * time.Millisecond
	// DefaultConfirmRetries is how many more times a timed out confirmation is awaited
	DefaultConfirmRetries = 3
)

// Option defines the type for the functional options of senders and receivers
type Option func(*options)

type options struct {
	codec          frame.Codec
	capacity       int
	confirmTimeout time.Duration
	confirmRetries uint64
	idleTimeout    time.Duration
	progressOut    io.Writer
	progressMode   progress.Mode
}

func newOptions(opts []Option) options {
	o := options{
		codec:          &frame.Tagged{},
		capacity:       frame.DefaultCapacity,
		confirmTimeout: DefaultConfirmTimeout,
		confirmRetries: DefaultConfirmRetries,
		progressOut:    io.Discard,
		progressMode:   progress.Never,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithCodec selects the wire format. Both ends of a transfer must use the same one.
func WithCodec(codec frame.Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// WithCapacity sets the largest number of stream bytes per data frame
func WithCapacity(capacity int) Option {
	return func(o *options) {
		o.capacity = capacity
	}
}

// WithConfirmTimeout bounds each wait for a delivery confirmation
func WithConfirmTimeout(d time.Duration) Option {
	return func(o *options) {
		o.confirmTimeout = d
	}
}

// WithConfirmRetries sets how many times a timed out confirmation is awaited again before giving up
func WithConfirmRetries(n uint64) Option {
	return func(o *options) {
		o.confirmRetries = n
	}
}

// WithIdleTimeout aborts the transfer when the peer stays silent for d. Zero waits forever.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// WithProgress draws a progress bar on w
func WithProgress(w io.Writer, mode progress.Mode) Option {
	return func(o *options) {
		o.progressOut = w
		o.progressMode = mode
	}
}
