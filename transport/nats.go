package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/nats-io/nats.go"
	"github.com/nutanix/ncmqtt/internal"
)

type natsSubscription struct {
	*nats.Subscription
}

// Unsubscribe unsubscribes the connection
func (sub *natsSubscription) Unsubscribe() error {
	return sub.Subscription.Unsubscribe()
}

// Channel returns the topic the subscription belongs to
func (sub *natsSubscription) Channel() string {
	return sub.Subject
}

// natsConfirmation completes once the server answered a PING sent after the publish
type natsConfirmation struct {
	conn *nats.Conn
}

func (c *natsConfirmation) Wait(timeout time.Duration) error {
	err := c.conn.FlushTimeout(timeout)
	if errors.Is(err, nats.ErrTimeout) {
		transportConfirmTimeoutCounter.Inc()
		return fmt.Errorf("%w after %s", ErrConfirmTimeout, timeout)
	}
	return err
}

// natsClient carries frames over core NATS. Core NATS keeps no retained messages,
// so the retained flag is ignored and the receiver has to subscribe before the sender starts.
type natsClient struct {
	conn              *nats.Conn
	url               string
	disconnectTimeout time.Duration
	closed            internal.Once
}

var (
	_ Client         = (*natsClient)(nil)
	_ PayloadLimiter = (*natsClient)(nil)
)

func newNatsClient(cfg Config) (*natsClient, error) {
	url := cfg.URL()
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			glog.Warningf("Got disconnected! Reason: %q", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			glog.Infof("Got reconnected to %v!", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			glog.V(1).Infof("Connection closed. Reason: %q", nc.LastError())
		}),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		transportConnectErrorCounter.Inc()
		glog.Errorf("Failed to connect to NATS broker %s: %s", url, err.Error())
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, url, err)
	}
	glog.V(1).Infof("connected to %s as %s", conn.ConnectedUrl(), cfg.ClientID)

	return &natsClient{
		conn:              conn,
		url:               url,
		disconnectTimeout: cfg.DisconnectTimeout,
	}, nil
}

// MaxPayload returns the max_payload announced by the connected server
func (client *natsClient) MaxPayload() int64 {
	return client.conn.MaxPayload()
}

// Publish publishes the message onto the provided subject
func (client *natsClient) Publish(subject string, msg Message) (Confirmation, error) {
	if client.closed.Done() {
		return nil, ErrClosed
	}
	if err := client.conn.Publish(subject, msg.Payload); err != nil {
		transportPublishErrorCounter.Inc()
		return nil, err
	}
	return &natsConfirmation{conn: client.conn}, nil
}

// Subscribe subscribes all future messages on the subject and registers a callback.
// The subscription is live on the server when Subscribe returns.
func (client *natsClient) Subscribe(subject string, cb MessageHandler) (Subscription, error) {
	natsSub, err := client.conn.Subscribe(subject, natsMsgHandler(cb))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSubscribe, subject, err)
	}
	if err := client.conn.Flush(); err != nil {
		_ = natsSub.Unsubscribe()
		return nil, fmt.Errorf("%w: %s: %v", ErrSubscribe, subject, err)
	}
	return &natsSubscription{Subscription: natsSub}, nil
}

// Close flushes pending publishes and closes the connection
func (client *natsClient) Close() error {
	return client.closed.TryDo(func() error {
		var err error
		if client.disconnectTimeout > 0 {
			err = client.conn.FlushTimeout(client.disconnectTimeout)
		}
		client.conn.Close()
		return err
	})
}

func natsMsgHandler(handler MessageHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		handler(&Message{
			Topic:   msg.Subject,
			Payload: msg.Data,
		})
	}
}
