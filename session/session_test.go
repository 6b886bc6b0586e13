package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nutanix/ncmqtt/frame"
	"github.com/nutanix/ncmqtt/transport"
	"github.com/nutanix/ncmqtt/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTopic = "nc_channel_pub"

var codecs = []frame.Codec{frame.Legacy{}, &frame.Tagged{}}

func stream(size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	return data
}

type result struct {
	out     []byte
	sendErr error
	recvErr error
}

// transfer runs a receiver and a sender against broker and returns what the receiver wrote
func transfer(t *testing.T, broker *transporttest.Broker, data []byte, opts ...Option) result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var out bytes.Buffer
	r := NewReceiver(broker.Client("receiver"), testTopic, &out, opts...)
	require.NoError(t, r.Subscribe())
	recvErr := make(chan error, 1)
	go func() { recvErr <- r.Run(ctx) }()

	s := NewSender(broker.Client("sender"), testTopic, opts...)
	sendErr := s.Run(ctx, bytes.NewReader(data), int64(len(data)))
	if sendErr != nil {
		cancel()
	}
	res := result{sendErr: sendErr, recvErr: <-recvErr}
	res.out = out.Bytes()
	return res
}

// sentFrames decodes what the sender published
func sentFrames(t *testing.T, broker *transporttest.Broker, codec frame.Codec) []frame.Frame {
	t.Helper()
	var frames []frame.Frame
	for _, rec := range broker.Log() {
		if rec.Client != "sender" {
			continue
		}
		assert.True(t, rec.Retained)
		f, err := codec.Decode(rec.Payload, len(frames) == 0)
		require.NoError(t, err)
		frames = append(frames, f)
	}
	return frames
}

func TestTransfer(t *testing.T) {
	for _, codec := range codecs {
		codec := codec
		t.Run(codec.Name(), func(t *testing.T) {
			t.Run("10 bytes travel as one data frame", func(t *testing.T) {
				broker := transporttest.NewBroker()
				data := stream(10)
				res := transfer(t, broker, data, WithCodec(codec))
				require.NoError(t, res.sendErr)
				require.NoError(t, res.recvErr)
				assert.Equal(t, data, res.out)

				frames := sentFrames(t, broker, codec)
				require.Len(t, frames, 3)
				assert.Equal(t, frame.KindHeader, frames[0].Kind)
				assert.Equal(t, uint32(1), frames[0].Total)
				assert.Equal(t, frame.KindData, frames[1].Kind)
				assert.Equal(t, data, frames[1].Payload)
				assert.Equal(t, frame.KindTerminator, frames[2].Kind)
			})

			t.Run("1,200,000 bytes travel as three data frames", func(t *testing.T) {
				broker := transporttest.NewBroker()
				data := stream(1200000)
				res := transfer(t, broker, data, WithCodec(codec), WithCapacity(512000))
				require.NoError(t, res.sendErr)
				require.NoError(t, res.recvErr)
				assert.Equal(t, len(data), len(res.out))
				assert.True(t, bytes.Equal(data, res.out))

				frames := sentFrames(t, broker, codec)
				require.Len(t, frames, 5)
				assert.Equal(t, uint32(3), frames[0].Total)
				assert.Len(t, frames[1].Payload, 512000)
				assert.Len(t, frames[2].Payload, 512000)
				assert.Len(t, frames[3].Payload, 176000)
			})

			t.Run("header count matches the data frames sent", func(t *testing.T) {
				broker := transporttest.NewBroker()
				data := stream(1001)
				res := transfer(t, broker, data, WithCodec(codec), WithCapacity(100))
				require.NoError(t, res.sendErr)
				require.NoError(t, res.recvErr)
				assert.Equal(t, data, res.out)

				frames := sentFrames(t, broker, codec)
				dataFrames := 0
				for _, f := range frames[1:] {
					if f.Kind == frame.KindData {
						dataFrames++
					}
				}
				assert.Equal(t, int(frames[0].Total), dataFrames)
				assert.Equal(t, 11, dataFrames)
			})

			t.Run("sender never has two frames in flight", func(t *testing.T) {
				broker := transporttest.NewBroker()
				res := transfer(t, broker, stream(500), WithCodec(codec), WithCapacity(50))
				require.NoError(t, res.sendErr)
				require.NoError(t, res.recvErr)

				log := broker.Log()
				require.Len(t, log, 2*(1+10+1))
				for i, rec := range log {
					want := "sender"
					if i%2 == 1 {
						want = "receiver"
					}
					assert.Equal(t, want, rec.Client, "message %d", i)
				}
			})

			t.Run("empty input publishes nothing", func(t *testing.T) {
				broker := transporttest.NewBroker()
				s := NewSender(broker.Client("sender"), testTopic, WithCodec(codec))
				err := s.Run(context.Background(), bytes.NewReader(nil), 0)
				assert.ErrorIs(t, err, ErrEmptyInput)
				assert.Empty(t, broker.Log())
				assert.Equal(t, SenderInit, s.State())
			})
		})
	}

	t.Run("compressed frames are restored", func(t *testing.T) {
		broker := transporttest.NewBroker()
		data := bytes.Repeat([]byte("0123456789abcdef"), 100000)
		res := transfer(t, broker, data, WithCodec(&frame.Tagged{Compress: true}))
		require.NoError(t, res.sendErr)
		require.NoError(t, res.recvErr)
		assert.True(t, bytes.Equal(data, res.out))
	})

	t.Run("mismatched wire formats fail the receiver", func(t *testing.T) {
		broker := transporttest.NewBroker()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		r := NewReceiver(broker.Client("receiver"), testTopic, &bytes.Buffer{}, WithCodec(&frame.Tagged{}))
		require.NoError(t, r.Subscribe())
		recvErr := make(chan error, 1)
		go func() { recvErr <- r.Run(ctx) }()

		s := NewSender(broker.Client("sender"), testTopic, WithCodec(frame.Legacy{}), WithIdleTimeout(200*time.Millisecond))
		err := s.Run(ctx, bytes.NewReader([]byte("hello")), 5)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.ErrorIs(t, <-recvErr, ErrProtocol)
	})
}

func TestSender(t *testing.T) {
	t.Run("sender stops waiting after the idle timeout", func(t *testing.T) {
		broker := transporttest.NewBroker()
		s := NewSender(broker.Client("sender"), testTopic, WithIdleTimeout(50*time.Millisecond))
		err := s.Run(context.Background(), bytes.NewReader([]byte("data")), 4)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, AwaitHeaderClear, s.State())
		assert.Len(t, broker.Log(), 1)
	})

	t.Run("cancelled context stops the sender", func(t *testing.T) {
		broker := transporttest.NewBroker()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		s := NewSender(broker.Client("sender"), testTopic)
		err := s.Run(ctx, bytes.NewReader([]byte("data")), 4)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("input shorter than its size is an incomplete read", func(t *testing.T) {
		broker := transporttest.NewBroker()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		r := NewReceiver(broker.Client("receiver"), testTopic, &bytes.Buffer{})
		require.NoError(t, r.Subscribe())
		go func() { _ = r.Run(ctx) }()

		s := NewSender(broker.Client("sender"), testTopic, WithCapacity(10))
		err := s.Run(ctx, bytes.NewReader(stream(15)), 30)
		assert.ErrorIs(t, err, ErrIncompleteRead)
		assert.Equal(t, AwaitChunkClear, s.State())
	})

	t.Run("publish failure is fatal", func(t *testing.T) {
		broker := transporttest.NewBroker()
		client := broker.Client("sender")
		client.PublishErr = errors.New("not connected")
		err := NewSender(client, testTopic).Run(context.Background(), bytes.NewReader([]byte("x")), 1)
		assert.ErrorIs(t, err, ErrPublish)
	})

	t.Run("unconfirmed delivery is retried then fatal", func(t *testing.T) {
		broker := transporttest.NewBroker()
		client := broker.Client("sender")
		client.ConfirmErr = fmt.Errorf("%w after 1ms", transport.ErrConfirmTimeout)
		s := NewSender(client, testTopic, WithConfirmTimeout(time.Millisecond), WithConfirmRetries(2))
		err := s.Run(context.Background(), bytes.NewReader([]byte("x")), 1)
		assert.ErrorIs(t, err, ErrConfirmTimeout)
		assert.Contains(t, err.Error(), "after 3 attempts")
	})

	t.Run("stray clears are ignored", func(t *testing.T) {
		broker := transporttest.NewBroker()
		codec := &frame.Tagged{}
		s := NewSender(broker.Client("sender"), testTopic, WithCodec(codec), WithIdleTimeout(300*time.Millisecond))

		foreign, err := codec.Encode(frame.Clear(uuid.New(), 0))
		require.NoError(t, err)
		ahead, err := codec.Encode(frame.Clear(s.Session(), 7))
		require.NoError(t, err)
		done := make(chan error, 1)
		go func() { done <- s.Run(context.Background(), bytes.NewReader([]byte("x")), 1) }()

		require.Eventually(t, func() bool { return len(broker.Log()) == 1 }, time.Second, time.Millisecond)
		broker.Inject(testTopic, foreign, true)
		broker.Inject(testTopic, ahead, true)
		assert.ErrorIs(t, <-done, ErrTimeout)
		assert.Equal(t, AwaitHeaderClear, s.State())
	})
}

// limitedClient is a client of a broker that caps payload sizes
type limitedClient struct {
	*transporttest.Client
	limit int64
}

func (c limitedClient) MaxPayload() int64 { return c.limit }

func TestUnsendable(t *testing.T) {
	t.Run("legacy stream ending in a lone 0x04 frame is refused before publishing", func(t *testing.T) {
		broker := transporttest.NewBroker()
		s := NewSender(broker.Client("sender"), testTopic, WithCodec(frame.Legacy{}), WithCapacity(3))
		err := s.Run(context.Background(), bytes.NewReader([]byte("abc\x04")), 4)
		assert.ErrorIs(t, err, ErrUnframeable)
		assert.Contains(t, err.Error(), "frame 2")
		assert.Empty(t, broker.Log())
		assert.Equal(t, SenderInit, s.State())
	})

	t.Run("one byte legacy frames cannot carry 0x04 anywhere", func(t *testing.T) {
		broker := transporttest.NewBroker()
		s := NewSender(broker.Client("sender"), testTopic, WithCodec(frame.Legacy{}), WithCapacity(1))
		err := s.Run(context.Background(), bytes.NewReader([]byte("a\x04b")), 3)
		assert.ErrorIs(t, err, ErrUnframeable)
		assert.Contains(t, err.Error(), "frame 2")
		assert.Empty(t, broker.Log())
	})

	t.Run("unseekable legacy source stops at the lone 0x04 frame without a terminator", func(t *testing.T) {
		broker := transporttest.NewBroker()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var out bytes.Buffer
		r := NewReceiver(broker.Client("receiver"), testTopic, &out, WithCodec(frame.Legacy{}))
		require.NoError(t, r.Subscribe())
		recvErr := make(chan error, 1)
		go func() { recvErr <- r.Run(ctx) }()

		s := NewSender(broker.Client("sender"), testTopic, WithCodec(frame.Legacy{}), WithCapacity(3))
		err := s.Run(ctx, io.MultiReader(strings.NewReader("abc\x04")), 4)
		assert.ErrorIs(t, err, ErrUnframeable)
		cancel()
		assert.ErrorIs(t, <-recvErr, context.Canceled)

		assert.Equal(t, "abc", out.String())
		assert.Len(t, sentFrames(t, broker, frame.Legacy{}), 2)
		assert.Equal(t, Receiving, r.Phase())
	})

	t.Run("tagged frames carry a lone 0x04 byte", func(t *testing.T) {
		broker := transporttest.NewBroker()
		data := []byte("abc\x04")
		res := transfer(t, broker, data, WithCodec(&frame.Tagged{}), WithCapacity(3))
		require.NoError(t, res.sendErr)
		require.NoError(t, res.recvErr)
		assert.Equal(t, data, res.out)
	})

	t.Run("frames above the broker payload limit are refused before publishing", func(t *testing.T) {
		broker := transporttest.NewBroker()
		client := limitedClient{Client: broker.Client("sender"), limit: 1000}
		s := NewSender(client, testTopic, WithCapacity(2000))
		err := s.Run(context.Background(), bytes.NewReader(stream(5000)), 5000)
		assert.ErrorIs(t, err, ErrFrameTooLarge)
		assert.Empty(t, broker.Log())
	})

	t.Run("short streams fit a limit below the chunk size", func(t *testing.T) {
		broker := transporttest.NewBroker()
		client := limitedClient{Client: broker.Client("sender"), limit: 1000}
		s := NewSender(client, testTopic, WithCapacity(2000), WithIdleTimeout(50*time.Millisecond))
		err := s.Run(context.Background(), bytes.NewReader(stream(100)), 100)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Len(t, broker.Log(), 1)
	})
}

func TestFindLoneEOT(t *testing.T) {
	t.Run("only a one byte last frame is inspected", func(t *testing.T) {
		for _, tc := range []struct {
			data     string
			capacity int
			want     int64
		}{
			{"abc\x04", 3, 2},
			{"abc\x04", 2, -1},
			{"\x04", 3, 1},
			{"ab\x04", 3, -1},
			{"abcd", 3, -1},
			{"ab\x04c", 1, 3},
			{"abcd", 1, -1},
		} {
			got, err := findLoneEOT(strings.NewReader(tc.data), int64(len(tc.data)), tc.capacity)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got, "%q in %d byte frames", tc.data, tc.capacity)
		}
	})

	t.Run("files are inspected from their offset", func(t *testing.T) {
		f, err := os.CreateTemp(t.TempDir(), "input")
		require.NoError(t, err)
		defer f.Close()
		_, err = f.WriteString("\x04\x04abc\x04")
		require.NoError(t, err)
		_, err = f.Seek(2, io.SeekStart)
		require.NoError(t, err)

		got, err := findLoneEOT(f, 4, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got)

		got, err = findLoneEOT(f, 3, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(-1), got)
	})

	t.Run("unseekable sources are left to the send loop", func(t *testing.T) {
		got, err := findLoneEOT(io.MultiReader(strings.NewReader("\x04")), 1, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(-1), got)
	})
}

func TestSized(t *testing.T) {
	t.Run("readers with a length are not buffered", func(t *testing.T) {
		src := bytes.NewReader([]byte("abc"))
		r, size, err := Sized(src)
		require.NoError(t, err)
		assert.Equal(t, int64(3), size)
		assert.Same(t, src, r)
	})

	t.Run("unsized readers are buffered", func(t *testing.T) {
		r, size, err := Sized(io.MultiReader(strings.NewReader("stream"), strings.NewReader("ed")))
		require.NoError(t, err)
		assert.Equal(t, int64(8), size)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "streamed", string(got))
	})

	t.Run("empty unsized input has size zero", func(t *testing.T) {
		_, size, err := Sized(io.MultiReader())
		require.NoError(t, err)
		assert.Zero(t, size)
	})

	t.Run("regular files are measured from their offset", func(t *testing.T) {
		f, err := os.CreateTemp(t.TempDir(), "input")
		require.NoError(t, err)
		defer f.Close()
		_, err = f.WriteString("0123456789")
		require.NoError(t, err)
		_, err = f.Seek(4, io.SeekStart)
		require.NoError(t, err)

		r, size, err := Sized(f)
		require.NoError(t, err)
		assert.Equal(t, int64(6), size)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "456789", string(got))
	})
}
