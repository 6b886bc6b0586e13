package transport

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
	"github.com/nutanix/ncmqtt/internal"
)

const (
	defaultKeepAlive         = 20 * time.Second
	defaultConnectTimeout    = 30 * time.Second
	defaultDisconnectTimeout = 10 * time.Second

	// subscribeFailure is the SUBACK return code of a refused subscription
	subscribeFailure byte = 0x80
)

type mqttSubscription struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
}

// Unsubscribe unsubscribes the connection
func (sub *mqttSubscription) Unsubscribe() error {
	tok := sub.client.Unsubscribe(sub.topic)
	if !tok.WaitTimeout(sub.timeout) {
		return fmt.Errorf("transport: unsubscribe %s timed out", sub.topic)
	}
	return tok.Error()
}

// Channel returns the topic the subscription belongs to
func (sub *mqttSubscription) Channel() string {
	return sub.topic
}

// mqttConfirmation wraps the token of one publish
type mqttConfirmation struct {
	tok mqtt.Token
}

func (c *mqttConfirmation) Wait(timeout time.Duration) error {
	if !c.tok.WaitTimeout(timeout) {
		transportConfirmTimeoutCounter.Inc()
		return fmt.Errorf("%w after %s", ErrConfirmTimeout, timeout)
	}
	if err := c.tok.Error(); err != nil {
		transportPublishErrorCounter.Inc()
		return err
	}
	return nil
}

type mqttClient struct {
	client            mqtt.Client
	qos               byte
	connectTimeout    time.Duration
	disconnectTimeout time.Duration
	closed            internal.Once
}

var _ Client = (*mqttClient)(nil)

// mqttOptions matches the session settings of earlier releases: clean session,
// 20s keepalive, no persistence. Callbacks are kept in order so that each
// subscription sees one message at a time.
func mqttOptions(cfg Config) *mqtt.ClientOptions {
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL()).
		SetClientID(cfg.ClientID).
		SetKeepAlive(keepAlive).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(false).
		SetConnectTimeout(cfg.connectTimeout()).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			glog.Errorf("Connection to MQTT broker lost: %s", err.Error())
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	return opts
}

func (cfg Config) connectTimeout() time.Duration {
	if cfg.ConnectTimeout > 0 {
		return cfg.ConnectTimeout
	}
	return defaultConnectTimeout
}

func newMQTTClient(cfg Config) (*mqttClient, error) {
	url := cfg.URL()
	client := mqtt.NewClient(mqttOptions(cfg))

	tok := client.Connect()
	if !tok.WaitTimeout(cfg.connectTimeout()) {
		transportConnectErrorCounter.Inc()
		return nil, fmt.Errorf("%w: %s: timed out after %s", ErrConnect, url, cfg.connectTimeout())
	}
	if err := tok.Error(); err != nil {
		transportConnectErrorCounter.Inc()
		var rc byte
		if ct, ok := tok.(*mqtt.ConnectToken); ok {
			rc = ct.ReturnCode()
		}
		glog.Errorf("Failed to connect to MQTT broker %s, return code %d: %s", url, rc, err.Error())
		return nil, fmt.Errorf("%w: %s: return code %d: %v", ErrConnect, url, rc, err)
	}
	glog.V(1).Infof("connected to %s as %s", url, cfg.ClientID)

	disconnectTimeout := cfg.DisconnectTimeout
	if disconnectTimeout <= 0 {
		disconnectTimeout = defaultDisconnectTimeout
	}
	return &mqttClient{
		client:            client,
		qos:               cfg.QoS,
		connectTimeout:    cfg.connectTimeout(),
		disconnectTimeout: disconnectTimeout,
	}, nil
}

// Publish publishes the message onto the provided topic
func (c *mqttClient) Publish(topic string, msg Message) (Confirmation, error) {
	if c.closed.Done() {
		return nil, ErrClosed
	}
	tok := c.client.Publish(topic, c.qos, msg.Retained, msg.Payload)
	if tok == nil {
		transportPublishErrorCounter.Inc()
		return nil, fmt.Errorf("transport: publish to %s returned no token", topic)
	}
	return &mqttConfirmation{tok: tok}, nil
}

// Subscribe subscribes all future messages on the topic and registers a callback
func (c *mqttClient) Subscribe(topic string, cb MessageHandler) (Subscription, error) {
	tok := c.client.Subscribe(topic, c.qos, mqttMsgHandler(cb))
	if !tok.WaitTimeout(c.connectTimeout) {
		return nil, fmt.Errorf("%w: %s: timed out", ErrSubscribe, topic)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSubscribe, topic, err)
	}
	if st, ok := tok.(*mqtt.SubscribeToken); ok {
		if rc, found := st.Result()[topic]; found && rc == subscribeFailure {
			return nil, fmt.Errorf("%w: %s: return code %d", ErrSubscribe, topic, rc)
		}
	}
	return &mqttSubscription{client: c.client, topic: topic, timeout: c.connectTimeout}, nil
}

// Close disconnects after letting in-flight work finish
func (c *mqttClient) Close() error {
	return c.closed.TryDo(func() error {
		c.client.Disconnect(uint(c.disconnectTimeout / time.Millisecond))
		return nil
	})
}

func mqttMsgHandler(handler MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		handler(&Message{
			Topic:    msg.Topic(),
			Payload:  msg.Payload(),
			Retained: msg.Retained(),
		})
	}
}
