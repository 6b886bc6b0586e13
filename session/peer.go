// Copyright (c) 2021 Nutanix, Inc.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/nutanix/ncmqtt/frame"
	"github.com/nutanix/ncmqtt/transport"
)

// peer holds what senders and receivers share: the broker client, the topic and the wire format
type peer struct {
	client transport.Client
	topic  string
	opts   options
	stats  *Stats
}

// publish encodes f, publishes it retained and waits for the broker to confirm it
func (p *peer) publish(f frame.Frame) error {
	payload, err := p.opts.codec.Encode(f)
	if err != nil {
		return fmt.Errorf("%w: encode %s frame: %v", ErrPublish, f.Kind, err)
	}
	conf, err := p.client.Publish(p.topic, transport.Message{Payload: payload, Retained: true})
	if err != nil {
		glog.Errorf("Failed to publish %s frame %d on %s: %s", f.Kind, f.Seq, p.topic, err.Error())
		return fmt.Errorf("%w: %s frame %d: %v", ErrPublish, f.Kind, f.Seq, err)
	}
	if err := p.confirm(conf, f); err != nil {
		return err
	}
	framesPublished.WithLabelValues(f.Kind.String()).Inc()
	glog.V(2).Infof("published %s frame %d (%d bytes)", f.Kind, f.Seq, len(payload))
	return nil
}

// confirm waits for the delivery confirmation. A timeout is waited out again with
// exponential backoff; the message itself is never published twice.
func (p *peer) confirm(conf transport.Confirmation, f frame.Frame) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := conf.Wait(p.opts.confirmTimeout)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, transport.ErrConfirmTimeout):
			glog.Warningf("Delivery of %s frame %d not confirmed, attempt %d", f.Kind, f.Seq, attempt)
			return err
		default:
			return backoff.Permanent(err)
		}
	}, backoff.WithMaxRetries(policy, p.opts.confirmRetries))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrConfirmTimeout):
		return fmt.Errorf("%w: %s frame %d after %d attempts: %v", ErrConfirmTimeout, f.Kind, f.Seq, attempt, err)
	default:
		return fmt.Errorf("%w: %s frame %d: %v", ErrPublish, f.Kind, f.Seq, err)
	}
}

// idleTimer fires when the peer stayed silent for the idle timeout.
// A zero timeout never fires.
type idleTimer struct {
	d time.Duration
	t *time.Timer
}

func (p *peer) newIdleTimer() *idleTimer {
	i := &idleTimer{d: p.opts.idleTimeout}
	i.reset()
	return i
}

// C returns the channel to select on; nil blocks forever
func (i *idleTimer) C() <-chan time.Time {
	if i.t == nil {
		return nil
	}
	return i.t.C
}

func (i *idleTimer) reset() {
	if i.d <= 0 {
		return
	}
	i.stop()
	i.t = time.NewTimer(i.d)
}

func (i *idleTimer) stop() {
	if i.t != nil {
		i.t.Stop()
	}
}
