package transporttest

import (
	"testing"
	"time"

	"github.com/nutanix/ncmqtt/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, c *Client, topic string) <-chan *transport.Message {
	t.Helper()
	ch := make(chan *transport.Message, 16)
	_, err := c.Subscribe(topic, func(m *transport.Message) { ch <- m })
	require.NoError(t, err)
	return ch
}

func next(t *testing.T, ch <-chan *transport.Message) *transport.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func TestBroker(t *testing.T) {
	t.Run("retained message is delivered to late subscribers", func(t *testing.T) {
		b := NewBroker()
		pub := b.Client("pub")
		_, err := pub.Publish("t", transport.Message{Payload: []byte("header"), Retained: true})
		require.NoError(t, err)

		m := next(t, collect(t, b.Client("sub"), "t"))
		assert.Equal(t, []byte("header"), m.Payload)
		assert.True(t, m.Retained)
	})

	t.Run("empty retained publish removes the retained message", func(t *testing.T) {
		b := NewBroker()
		pub := b.Client("pub")
		_, err := pub.Publish("t", transport.Message{Payload: []byte("x"), Retained: true})
		require.NoError(t, err)
		_, err = pub.Publish("t", transport.Message{Payload: []byte{}, Retained: true})
		require.NoError(t, err)

		_, ok := b.Retained("t")
		assert.False(t, ok)
	})

	t.Run("publishers receive their own messages in order", func(t *testing.T) {
		b := NewBroker()
		c := b.Client("c")
		ch := collect(t, c, "t")
		for i := 0; i < 10; i++ {
			_, err := c.Publish("t", transport.Message{Payload: []byte{byte(i)}})
			require.NoError(t, err)
		}
		for i := 0; i < 10; i++ {
			assert.Equal(t, []byte{byte(i)}, next(t, ch).Payload)
		}
		assert.Len(t, b.Log(), 10)
	})

	t.Run("closed clients stop receiving and cannot publish", func(t *testing.T) {
		b := NewBroker()
		c := b.Client("c")
		ch := collect(t, c, "t")
		require.NoError(t, c.Close())

		b.Inject("t", []byte("late"), false)
		select {
		case <-ch:
			t.Fatal("message delivered after close")
		case <-time.After(50 * time.Millisecond):
		}

		_, err := c.Publish("t", transport.Message{Payload: []byte("x")})
		assert.ErrorIs(t, err, ErrClosed)
	})
}
