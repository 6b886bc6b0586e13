package transport

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/nutanix/ncmqtt/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// MQTT selects the paho MQTT adapter
	MQTT = "mqtt"
	// NATS selects the nats.go adapter
	NATS = "nats"

	// ClientIDPrefix prefixes the client id of a sending process
	ClientIDPrefix = "MQTT_NC_"
	// ListenClientIDPrefix prefixes the client id of a receiving process
	ListenClientIDPrefix = "MQTT_NC_L_"

	defaultMQTTPort = 1883
	defaultNATSPort = 4222
)

var (
	ErrConnect        = errors.New("transport: connect failed")
	ErrSubscribe      = errors.New("transport: subscribe failed")
	ErrConfirmTimeout = errors.New("transport: delivery confirmation timed out")
	ErrUnknownKind    = errors.New("transport: unknown transport")
	ErrClosed         = errors.New("transport: client closed")
)

var (
	transportConnectErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transport_connect_errors",
		Help: "Number of broker connect errors encountered",
	})
	transportPublishErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transport_publish_errors",
		Help: "Number of messages that encountered errors on publish",
	})
	transportConfirmTimeoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transport_confirm_timeouts",
		Help: "Number of delivery confirmations that did not complete in time",
	})
)

func init() {
	metrics.Registry.MustRegister(transportConnectErrorCounter, transportPublishErrorCounter, transportConfirmTimeoutCounter)
}

// Message defines the data structure of the messages conveyed by the transport
type Message struct {
	Topic    string `json:"topic"`
	Payload  []byte `json:"payload"`
	Retained bool   `json:"retained"`
}

// MessageHandler defines the function signature for the callback function in a Subscribe call.
// Calls for one subscription are never concurrent.
type MessageHandler func(msg *Message)

// Client describes the publish / subscribe interface of the transport client
type Client interface {
	// Publish publishes the message onto the provided topic
	Publish(topic string, msg Message) (Confirmation, error)
	// Subscribe subscribes all future messages on the topic and registers a callback
	Subscribe(topic string, callback MessageHandler) (Subscription, error)
	// Close disconnects from the broker
	Close() error
}

// PayloadLimiter is implemented by clients whose broker rejects messages above a size
type PayloadLimiter interface {
	// MaxPayload returns the largest accepted payload in bytes, or 0 when unknown
	MaxPayload() int64
}

// Confirmation tracks the broker-level delivery of one published message
type Confirmation interface {
	// Wait blocks until the broker confirmed the publish, or returns ErrConfirmTimeout
	Wait(timeout time.Duration) error
}

// Subscription describes the interface of the subscription object
type Subscription interface {
	// Unsubscribe unsubscribes the connection
	Unsubscribe() error
	// Channel returns the topic the subscription belongs to
	Channel() string
}

// Config describes how to reach the broker
type Config struct {
	Kind              string
	Host              string
	Port              int
	ClientID          string
	Username          string
	Password          string
	QoS               byte
	KeepAlive         time.Duration
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
}

// URL returns the broker address for the configured transport
func (cfg Config) URL() string {
	switch cfg.Kind {
	case NATS:
		return fmt.Sprintf("nats://%s:%d", cfg.Host, cfg.port())
	default:
		return fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.port())
	}
}

func (cfg Config) port() int {
	if cfg.Port != 0 {
		return cfg.Port
	}
	if cfg.Kind == NATS {
		return defaultNATSPort
	}
	return defaultMQTTPort
}

// NewClientID returns a random client id carrying the prefix of the process role
func NewClientID(listening bool) string {
	prefix := ClientIDPrefix
	if listening {
		prefix = ListenClientIDPrefix
	}
	return fmt.Sprintf("%s%d", prefix, rand.Int31())
}

// Dial connects to the broker described by cfg
func Dial(cfg Config) (Client, error) {
	switch cfg.Kind {
	case MQTT, "":
		return newMQTTClient(cfg)
	case NATS:
		return newNatsClient(cfg)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
}
