// Copyright (c) 2021 Nutanix, Inc.
package session

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/nutanix/ncmqtt/frame"
	"github.com/nutanix/ncmqtt/internal"
	"github.com/nutanix/ncmqtt/progress"
	"github.com/nutanix/ncmqtt/transport"
)

// Phase is the position of a Receiver in its transfer
type Phase int32

const (
	AwaitingHeader Phase = iota
	AwaitingData
	Receiving
	Closed
)

func (p Phase) String() string {
	switch p {
	case AwaitingHeader:
		return "awaiting-header"
	case AwaitingData:
		return "awaiting-data"
	case Receiving:
		return "receiving"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

const inboxSize = 64

// Receiver rebuilds a stream from the frames published on a topic and clears each
// frame once it has been consumed. Transport callbacks only queue payloads; all
// state belongs to the goroutine running Run.
type Receiver struct {
	peer
	w     io.Writer
	bar   *progress.Bar
	phase int32

	session  uuid.UUID
	total    uint32
	size     uint64
	received uint32
	last     time.Time

	inbox      chan []byte
	done       chan struct{}
	subscribed internal.Once
	sub        transport.Subscription
}

// NewReceiver creates a receiver writing the stream arriving on topic to w
func NewReceiver(client transport.Client, topic string, w io.Writer, opts ...Option) *Receiver {
	o := newOptions(opts)
	return &Receiver{
		peer: peer{
			client: client,
			topic:  topic,
			opts:   o,
			stats:  newStats("received"),
		},
		w:     w,
		bar:   progress.New(o.progressOut, "received", o.progressMode),
		inbox: make(chan []byte, inboxSize),
		done:  make(chan struct{}),
	}
}

// Phase returns the current phase of the receiver
func (r *Receiver) Phase() Phase {
	return Phase(atomic.LoadInt32(&r.phase))
}

// Received returns the number of data frames written so far
func (r *Receiver) Received() uint32 {
	return r.stats.Frames()
}

// Stats returns the transfer statistics
func (r *Receiver) Stats() *Stats {
	return r.stats
}

func (r *Receiver) setPhase(p Phase) {
	atomic.StoreInt32(&r.phase, int32(p))
	glog.V(2).Infof("receiver -> %s", p)
}

// Subscribe starts listening on the topic. Calling it before the sender starts is
// required on brokers without retained messages. It is safe to call more than once;
// a failed attempt can be retried.
func (r *Receiver) Subscribe() error {
	return r.subscribed.TryDo(func() error {
		sub, err := r.client.Subscribe(r.topic, r.onMessage)
		if err != nil {
			return err
		}
		r.sub = sub
		glog.V(1).Infof("listening on %s (%s wire)", r.topic, r.opts.codec.Name())
		return nil
	})
}

// Run consumes frames until the terminator arrives, the context ends or an error occurs
func (r *Receiver) Run(ctx context.Context) error {
	if err := r.Subscribe(); err != nil {
		return err
	}
	defer func() {
		close(r.done)
		if err := r.sub.Unsubscribe(); err != nil {
			glog.Warningf("Failed to unsubscribe from %s: %s", r.topic, err.Error())
		}
	}()

	idle := r.newIdleTimer()
	defer idle.stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C():
			return fmt.Errorf("%w: nothing received for %s in phase %s", ErrTimeout, r.opts.idleTimeout, r.Phase())
		case payload := <-r.inbox:
			consumed, err := r.handle(payload)
			if err != nil {
				return err
			}
			if r.Phase() == Closed {
				r.stats.log()
				return nil
			}
			if consumed {
				idle.reset()
			}
		}
	}
}

// onMessage runs on the transport's dispatch goroutine
func (r *Receiver) onMessage(msg *transport.Message) {
	select {
	case r.inbox <- msg.Payload:
	case <-r.done:
	}
}

// handle applies one inbound payload. It reports whether the payload was a frame
// of the stream, which is then cleared.
func (r *Receiver) handle(payload []byte) (bool, error) {
	phase := r.Phase()
	if phase == Closed {
		return false, nil
	}

	f, err := r.opts.codec.Decode(payload, phase == AwaitingHeader)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if f.Kind == frame.KindNone || f.Kind == frame.KindClear {
		payloadsIgnored.Inc()
		return false, nil
	}

	if phase == AwaitingHeader {
		if f.Kind != frame.KindHeader {
			if r.opts.codec.Sequenced() {
				// a leftover of an earlier session, e.g. retained by the broker after both peers died
				glog.V(1).Infof("ignoring %s frame %d of session %s before any header", f.Kind, f.Seq, f.Session)
				payloadsIgnored.Inc()
				return false, nil
			}
			return false, protocolErr("%s frame before header", f.Kind)
		}
		if f.Total == 0 {
			return false, protocolErr("header announces no data frames")
		}
		r.session, r.total, r.size = f.Session, f.Total, f.Size
		r.last = time.Now()
		r.setPhase(AwaitingData)
		if r.size > 0 {
			glog.V(1).Infof("receiving %d frames (%s) from session %s", r.total, humanize.Bytes(r.size), r.session)
		} else {
			glog.V(1).Infof("receiving %d frames", r.total)
		}
		return true, r.consumed(f)
	}

	if r.opts.codec.Sequenced() && f.Session != r.session {
		return false, protocolErr("%s frame from session %s while receiving %s", f.Kind, f.Session, r.session)
	}

	switch f.Kind {
	case frame.KindHeader:
		// only sequenced codecs can tell a repeated header apart from data
		glog.V(1).Infof("header repeated, clearing it again")
		return true, r.clear(f)
	case frame.KindTerminator:
		if r.received != r.total {
			return false, protocolErr("end of stream after %d of %d frames", r.received, r.total)
		}
		if r.opts.codec.Sequenced() && f.Seq != r.total+1 {
			return false, protocolErr("terminator has sequence %d, want %d", f.Seq, r.total+1)
		}
		r.setPhase(Closed)
		r.bar.Finish()
		return true, r.consumed(f)
	case frame.KindData:
		if r.opts.codec.Sequenced() {
			if f.Seq <= r.received {
				glog.V(1).Infof("frame %d repeated, clearing it again", f.Seq)
				return true, r.clear(f)
			}
			if f.Seq != r.received+1 {
				return false, protocolErr("frame %d arrived after %d", f.Seq, r.received)
			}
		}
		if r.received == r.total {
			return false, protocolErr("more than the %d announced data frames", r.total)
		}
		if _, err := r.w.Write(f.Payload); err != nil {
			glog.Errorf("Failed to write frame %d: %s", r.received+1, err.Error())
			return false, fmt.Errorf("%w: frame %d: %v", ErrWrite, r.received+1, err)
		}
		r.received++
		r.stats.addFrame(len(f.Payload))
		now := time.Now()
		r.stats.observe(now.Sub(r.last))
		r.last = now
		r.bar.Update(r.received, r.total, r.stats.Bytes())
		r.setPhase(Receiving)
		return true, r.consumed(f)
	}
	return false, protocolErr("unexpected %s frame", f.Kind)
}

func (r *Receiver) consumed(f frame.Frame) error {
	framesConsumed.WithLabelValues(f.Kind.String()).Inc()
	return r.clear(f)
}

// clear tells the sender that f was consumed
func (r *Receiver) clear(f frame.Frame) error {
	return r.publish(frame.Clear(r.session, f.Seq))
}
