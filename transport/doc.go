// Copyright (c) 2021 Nutanix, Inc.
/*
Package transport provides the Publish/Subscribe interface ncmqtt uses to move frames through a broker.

transport package exposes three interfaces:
	type Client interface {
		Publish(topic string, msg Message) (Confirmation, error)
		Subscribe(topic string, callback MessageHandler) (Subscription, error)
		Close() error
	}
	type Confirmation interface {
		Wait(timeout time.Duration) error
	}
and
	type Subscription interface {
		Unsubscribe() error
		Channel() string
	}

A `Client` is created by calling `Dial` with the broker settings. The `Kind` field selects the
adapter: "mqtt" (the default, backed by paho) or "nats" (backed by nats.go):
	client, err := Dial(Config{
		Kind:     MQTT,
		Host:     "test.mosquitto.org",
		Port:     1883,
		ClientID: NewClientID(false),
	})
	defer client.Close()

Publishing returns a Confirmation that completes once the broker accepted the message:
	conf, err := client.Publish("nc_channel_pub", Message{Payload: []byte("example"), Retained: true})
	err = conf.Wait(time.Second)

A subscription delivers every message on the topic to the callback. Callbacks of one subscription are
never run concurrently:
	sub, err := client.Subscribe("nc_channel_pub", func(msg *Message) {
		// Do stuff
	})
	defer sub.Unsubscribe()

MQTT brokers keep the last retained message of a topic and hand it to late subscribers; an empty retained
publish removes it. Core NATS has no such storage, so with NATS the receiving side must subscribe before
the sender publishes.
*/
package transport
