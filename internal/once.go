// Copyright (c) 2021 Nutanix, Inc.
package internal

import (
	"sync"
	"sync/atomic"
)

// Once runs an action until it succeeds once. A failed attempt leaves the Once
// armed so that a later call can try again; transport Close and subscription
// setup rely on this to stay retryable after a broker error.
type Once struct {
	// done is first in the struct because the fast path reads it on every call
	done uint32
	m    sync.Mutex
}

// TryDo calls f unless a previous call to f on this Once returned nil.
// Concurrent callers wait for the running attempt; f must not call TryDo on the same Once.
// The error of a failed attempt is returned to its caller only.
func (o *Once) TryDo(f func() error) error {
	// A plain CompareAndSwap would let a second caller return before f finished,
	// so the slow path holds the mutex and publishes done only after f succeeds.
	if atomic.LoadUint32(&o.done) == 0 {
		return o.doSlow(f)
	}
	return nil
}

// Done reports whether an attempt has succeeded
func (o *Once) Done() bool {
	return atomic.LoadUint32(&o.done) == 1
}

func (o *Once) doSlow(f func() error) error {
	o.m.Lock()
	defer o.m.Unlock()
	if o.done != 0 {
		return nil
	}
	if err := f(); err != nil {
		return err
	}
	atomic.StoreUint32(&o.done, 1)
	return nil
}
