// Copyright (c) 2021 Nutanix, Inc.

// Package transporttest provides an in-memory broker implementing the transport interfaces for tests.
// It keeps MQTT retained-message semantics and delivers to each subscription in publish order
// on a dedicated goroutine.
package transporttest

import (
	"errors"
	"sync"
	"time"

	"github.com/nutanix/ncmqtt/transport"
)

// ErrClosed is returned by clients used after Close
var ErrClosed = errors.New("transporttest: client closed")

const queueSize = 1024

// Record is one message accepted by the broker
type Record struct {
	Client string
	transport.Message
}

// Broker routes messages between in-memory clients
type Broker struct {
	mu       sync.Mutex
	retained map[string][]byte
	subs     map[string][]*subscription
	log      []Record
}

// NewBroker returns an empty broker
func NewBroker() *Broker {
	return &Broker{
		retained: make(map[string][]byte),
		subs:     make(map[string][]*subscription),
	}
}

// Client returns a new client connected to b
func (b *Broker) Client(name string) *Client {
	return &Client{broker: b, name: name}
}

// Inject publishes payload on topic as if an outside party sent it
func (b *Broker) Inject(topic string, payload []byte, retained bool) {
	b.publish("inject", topic, transport.Message{Payload: payload, Retained: retained})
}

// Log returns every message accepted so far, in publish order
func (b *Broker) Log() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, len(b.log))
	copy(out, b.log)
	return out
}

// Retained returns the retained payload of topic
func (b *Broker) Retained(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.retained[topic]
	return p, ok
}

func (b *Broker) publish(client, topic string, msg transport.Message) {
	payload := append([]byte{}, msg.Payload...)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = append(b.log, Record{Client: client, Message: transport.Message{Topic: topic, Payload: payload, Retained: msg.Retained}})
	if msg.Retained {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = payload
		}
	}
	for _, sub := range b.subs[topic] {
		sub.queue <- &transport.Message{Topic: topic, Payload: payload}
	}
}

func (b *Broker) subscribe(topic string, cb transport.MessageHandler) *subscription {
	sub := &subscription{
		broker: b,
		topic:  topic,
		queue:  make(chan *transport.Message, queueSize),
		done:   make(chan struct{}),
	}
	go sub.deliver(cb)

	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.retained[topic]; ok {
		sub.queue <- &transport.Message{Topic: topic, Payload: p, Retained: true}
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub
}

func (b *Broker) unsubscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			close(sub.done)
			return
		}
	}
}

type subscription struct {
	broker *Broker
	topic  string
	queue  chan *transport.Message
	done   chan struct{}
}

func (s *subscription) deliver(cb transport.MessageHandler) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			cb(msg)
		}
	}
}

// Unsubscribe stops delivery to the subscription
func (s *subscription) Unsubscribe() error {
	s.broker.unsubscribe(s)
	return nil
}

// Channel returns the topic of the subscription
func (s *subscription) Channel() string {
	return s.topic
}

// Client is an in-memory transport.Client. PublishErr and ConfirmErr inject failures.
type Client struct {
	broker *Broker
	name   string

	mu         sync.Mutex
	subs       []*subscription
	closed     bool
	PublishErr error
	ConfirmErr error
}

var _ transport.Client = (*Client)(nil)

type confirmation struct {
	err error
}

func (c confirmation) Wait(time.Duration) error {
	return c.err
}

// Publish hands msg to the broker
func (c *Client) Publish(topic string, msg transport.Message) (transport.Confirmation, error) {
	c.mu.Lock()
	closed, pubErr, confErr := c.closed, c.PublishErr, c.ConfirmErr
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if pubErr != nil {
		return nil, pubErr
	}
	if confErr == nil {
		c.broker.publish(c.name, topic, msg)
	}
	return confirmation{err: confErr}, nil
}

// Subscribe registers cb for every future message on topic, plus the retained one
func (c *Client) Subscribe(topic string, cb transport.MessageHandler) (transport.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	sub := c.broker.subscribe(topic, cb)
	c.subs = append(c.subs, sub)
	return sub, nil
}

// Close drops every subscription of the client
func (c *Client) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.closed = true
	c.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}

// SetConfirmErr changes the confirmation result of future publishes
func (c *Client) SetConfirmErr(err error) {
	c.mu.Lock()
	c.ConfirmErr = err
	c.mu.Unlock()
}
