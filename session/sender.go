// Copyright (c) 2021 Nutanix, Inc.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/nutanix/ncmqtt/frame"
	"github.com/nutanix/ncmqtt/progress"
	"github.com/nutanix/ncmqtt/transport"
)

// SenderState is the position of a Sender in its transfer
type SenderState int32

const (
	SenderInit SenderState = iota
	AwaitHeaderClear
	AwaitChunkClear
	AwaitTermClear
	SenderDone
)

func (s SenderState) String() string {
	switch s {
	case SenderInit:
		return "init"
	case AwaitHeaderClear:
		return "await-header-clear"
	case AwaitChunkClear:
		return "await-chunk-clear"
	case AwaitTermClear:
		return "await-term-clear"
	case SenderDone:
		return "done"
	}
	return fmt.Sprintf("sender-state(%d)", int32(s))
}

// clearQueue is large enough for stray clears without ever blocking the transport
const clearQueue = 16

// Sender publishes a stream one frame at a time, waiting for the receiver to clear
// each frame before publishing the next one.
type Sender struct {
	peer
	session uuid.UUID
	state   int32
	clears  chan frame.Frame
	bar     *progress.Bar
}

// NewSender creates a sender publishing on topic through client
func NewSender(client transport.Client, topic string, opts ...Option) *Sender {
	o := newOptions(opts)
	return &Sender{
		peer: peer{
			client: client,
			topic:  topic,
			opts:   o,
			stats:  newStats("sent"),
		},
		session: uuid.New(),
		clears:  make(chan frame.Frame, clearQueue),
		bar:     progress.New(o.progressOut, "sent", o.progressMode),
	}
}

// State returns the current state of the sender
func (s *Sender) State() SenderState {
	return SenderState(atomic.LoadInt32(&s.state))
}

// Session returns the id carried by sequenced frames of this sender
func (s *Sender) Session() uuid.UUID {
	return s.session
}

// Stats returns the transfer statistics
func (s *Sender) Stats() *Stats {
	return s.stats
}

func (s *Sender) setState(state SenderState) {
	atomic.StoreInt32(&s.state, int32(state))
	glog.V(2).Infof("sender -> %s", state)
}

// Run transfers size bytes of src. It returns once the receiver cleared the terminator frame.
func (s *Sender) Run(ctx context.Context, src io.Reader, size int64) error {
	if size <= 0 {
		return ErrEmptyInput
	}
	chunker, err := frame.NewChunker(src, size, s.opts.capacity)
	if err != nil {
		return err
	}
	total := chunker.Total()
	if err := s.checkFrameSize(size); err != nil {
		return err
	}
	if !s.opts.codec.Sequenced() {
		found, err := findLoneEOT(src, size, s.opts.capacity)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRead, err)
		}
		if found >= 0 {
			return fmt.Errorf("%w: frame %d is a lone 0x04 byte; use the tagged wire format or another chunk size", ErrUnframeable, found)
		}
	}
	glog.Infof("sending %s in %d frames on %s (%s wire)", humanize.Bytes(uint64(size)), total, s.topic, s.opts.codec.Name())

	sub, err := s.client.Subscribe(s.topic, s.onMessage)
	if err != nil {
		return err
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			glog.Warningf("Failed to unsubscribe from %s: %s", s.topic, err.Error())
		}
	}()

	s.setState(AwaitHeaderClear)
	if err := s.send(ctx, frame.Header(s.session, total, uint64(size)), nil); err != nil {
		return err
	}

	s.setState(AwaitChunkClear)
	for seq := uint32(1); ; seq++ {
		chunk, err := chunker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, frame.ErrShortRead) {
				return fmt.Errorf("%w: %v", ErrIncompleteRead, err)
			}
			return fmt.Errorf("%w: %v", ErrRead, err)
		}
		if !s.opts.codec.Sequenced() && frame.IsTerminator(chunk) {
			// only reached for sources findLoneEOT cannot inspect; no terminator follows
			return fmt.Errorf("%w: frame %d is a lone 0x04 byte", ErrUnframeable, seq)
		}

		n := len(chunk)
		err = s.send(ctx, frame.Data(s.session, seq, chunk), func() {
			s.stats.addFrame(n)
			s.bar.Update(seq, total, s.stats.Bytes())
		})
		if err != nil {
			return err
		}
	}
	s.bar.Finish()

	s.setState(AwaitTermClear)
	if err := s.send(ctx, frame.Terminator(s.session, total), nil); err != nil {
		return err
	}
	s.setState(SenderDone)
	s.stats.log()
	return nil
}

// checkFrameSize fails when the broker cannot carry the largest data frame of the transfer
func (s *Sender) checkFrameSize(size int64) error {
	limiter, ok := s.client.(transport.PayloadLimiter)
	if !ok {
		return nil
	}
	limit := limiter.MaxPayload()
	if limit <= 0 {
		return nil
	}
	chunk := s.opts.capacity
	if size < int64(chunk) {
		chunk = int(size)
	}
	if need := s.opts.codec.MaxEncodedLen(chunk); int64(need) > limit {
		return fmt.Errorf("%w: %s frames may take %s, broker accepts %s; lower the chunk size",
			ErrFrameTooLarge, humanize.Bytes(uint64(chunk)), humanize.Bytes(uint64(need)), humanize.Bytes(uint64(limit)))
	}
	return nil
}

// send publishes f, runs sent once the broker confirmed it, then blocks until the receiver clears it
func (s *Sender) send(ctx context.Context, f frame.Frame, sent func()) error {
	s.drainClears()
	start := time.Now()
	if err := s.publish(f); err != nil {
		return err
	}
	if sent != nil {
		sent()
	}
	if err := s.awaitClear(ctx, f); err != nil {
		return err
	}
	s.stats.observe(time.Since(start))
	return nil
}

// drainClears drops clears received before the next publish; none of them can be for it
func (s *Sender) drainClears() {
	for {
		select {
		case f := <-s.clears:
			glog.V(2).Infof("dropping stale clear %d", f.Seq)
		default:
			return
		}
	}
}

func (s *Sender) awaitClear(ctx context.Context, f frame.Frame) error {
	idle := s.newIdleTimer()
	defer idle.stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C():
			return fmt.Errorf("%w: %s frame %d not cleared within %s", ErrTimeout, f.Kind, f.Seq, s.opts.idleTimeout)
		case c := <-s.clears:
			if s.opts.codec.Sequenced() && (c.Session != s.session || c.Seq != f.Seq) {
				glog.V(2).Infof("ignoring clear %s/%d while awaiting %d", c.Session, c.Seq, f.Seq)
				continue
			}
			framesConsumed.WithLabelValues(frame.KindClear.String()).Inc()
			return nil
		}
	}
}

// onMessage runs on the transport's dispatch goroutine. It only forwards clears;
// the sender's own frames come back on the shared topic and are dropped here.
func (s *Sender) onMessage(msg *transport.Message) {
	f, err := s.opts.codec.Decode(msg.Payload, false)
	if err != nil {
		glog.V(2).Infof("ignoring undecodable payload on %s: %s", msg.Topic, err.Error())
		return
	}
	if f.Kind != frame.KindClear {
		return
	}
	select {
	case s.clears <- f:
	default:
		glog.Warningf("Dropping clear %d, sender is not keeping up", f.Seq)
	}
}
