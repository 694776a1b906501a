package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ioc-rpc/codec"
	"ioc-rpc/message"
	"ioc-rpc/protocol"
)

func jsonProtocol(t *testing.T) protocol.WireProtocol {
	t.Helper()
	p, err := protocol.NewFrameProtocol(codec.CodecTypeJSON)
	require.NoError(t, err)
	return p
}

// startEchoListener answers every request with a response carrying the request parameters.
func startEchoListener(t *testing.T, opts ...ListenerOption) *Listener {
	t.Helper()
	var accepted sync.WaitGroup
	var mu sync.Mutex
	var channels []*Channel

	ln := NewListener("127.0.0.1:0", 2, func(ch *Channel) {
		accepted.Add(1)
		assert.NoError(t, ch.SetHandler(Handler{
			MessageReceived: func(ch *Channel, msg message.Message) {
				req := msg.(*message.RequestMessage)
				_ = ch.Send(message.NewResponse(req, req.Parameters, 1))
			},
			Disconnected: func(*Channel) { accepted.Done() },
		}))
		mu.Lock()
		channels = append(channels, ch)
		mu.Unlock()
		assert.NoError(t, ch.Start())
	}, opts...)
	require.NoError(t, ln.Start())

	t.Cleanup(func() {
		require.NoError(t, ln.Stop())
		mu.Lock()
		for _, ch := range channels {
			ch.Disconnect()
		}
		mu.Unlock()
		accepted.Wait()
	})
	return ln
}

func dial(t *testing.T, ln *Listener, opts ...Option) *Channel {
	t.Helper()
	ch, err := Dial(context.Background(), ln.Addr().String(), jsonProtocol(t), time.Second, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Disconnect() })
	return ch
}

func TestChannelRoundTrip(t *testing.T) {
	ln := startEchoListener(t)

	responses := make(chan *message.ResponseMessage, 8)
	ch := dial(t, ln, WithHandler(Handler{
		MessageReceived: func(_ *Channel, msg message.Message) {
			responses <- msg.(*message.ResponseMessage)
		},
	}))
	require.Equal(t, StateConnected, ch.State())

	sent := make(map[string]string)
	for _, params := range []string{`{"a":1}`, `{"a":2}`, `{"a":3}`} {
		req := message.NewRequest("Echo", "Say", message.Payload(params))
		sent[req.TransactionID.String()] = params
		require.NoError(t, ch.Send(req))
	}

	for i := 0; i < 3; i++ {
		select {
		case resp := <-responses:
			params, ok := sent[resp.TransactionID.String()]
			require.True(t, ok, "unknown transaction id")
			assert.JSONEq(t, params, resp.Value.String())
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for response")
		}
	}
}

func TestChannelConcurrentSendersDoNotInterleave(t *testing.T) {
	ln := startEchoListener(t)

	var received atomic.Int32
	done := make(chan struct{})
	const total = 200
	ch := dial(t, ln, WithHandler(Handler{
		MessageReceived: func(*Channel, message.Message) {
			if received.Add(1) == total {
				close(done)
			}
		},
	}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < total/10; j++ {
				assert.NoError(t, ch.Send(message.NewRequest("Echo", "Say", message.Payload(`{"n":1}`))))
			}
		}()
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("received %d of %d responses", received.Load(), total)
	}
}

func TestChannelSendNil(t *testing.T) {
	ln := startEchoListener(t)
	ch := dial(t, ln)

	assert.ErrorIs(t, ch.Send(nil), ErrNilMessage)
	var req *message.RequestMessage
	assert.ErrorIs(t, ch.Send(req), ErrNilMessage)
}

func TestChannelSendAfterDisconnect(t *testing.T) {
	ln := startEchoListener(t)

	var disconnected atomic.Int32
	ch := dial(t, ln, WithHandler(Handler{
		Disconnected: func(*Channel) { disconnected.Add(1) },
	}))

	ch.Disconnect()
	ch.Disconnect()
	assert.Equal(t, StateDisconnected, ch.State())
	assert.NoError(t, ch.Send(message.NewRequest("Echo", "Say", nil)))
	assert.EqualValues(t, 1, disconnected.Load())
}

func TestChannelSubscriberPanicIsContained(t *testing.T) {
	ln := startEchoListener(t)

	var calls atomic.Int32
	got := make(chan struct{}, 2)
	ch := dial(t, ln, WithHandler(Handler{
		MessageReceived: func(*Channel, message.Message) {
			got <- struct{}{}
			if calls.Add(1) == 1 {
				panic("subscriber failure")
			}
		},
	}))

	for i := 0; i < 2; i++ {
		require.NoError(t, ch.Send(message.NewRequest("Echo", "Say", nil)))
	}
	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("channel stopped delivering after a subscriber panic")
		}
	}
	assert.Equal(t, StateConnected, ch.State())
}

func TestChannelSetWireProtocolAfterStart(t *testing.T) {
	ln := startEchoListener(t)
	ch := dial(t, ln)

	assert.ErrorIs(t, ch.SetWireProtocol(jsonProtocol(t)), ErrChannelStarted)
	assert.ErrorIs(t, ch.SetHandler(Handler{}), ErrChannelStarted)
	assert.ErrorIs(t, ch.Start(), ErrChannelStarted)
}

func TestChannelPeerCloseDisconnects(t *testing.T) {
	ln := NewListener("127.0.0.1:0", 1, func(ch *Channel) {
		_ = ch.SetHandler(Handler{
			MessageReceived: func(ch *Channel, _ message.Message) { ch.Disconnect() },
		})
		_ = ch.Start()
	})
	require.NoError(t, ln.Start())
	defer ln.Stop()

	var errs atomic.Int32
	disconnected := make(chan struct{})
	ch := dial(t, ln, WithHandler(Handler{
		MessageError: func(*Channel, error) { errs.Add(1) },
		Disconnected: func(*Channel) { close(disconnected) },
	}))
	require.NoError(t, ch.Send(message.NewRequest("Echo", "Say", nil)))

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnected event not raised")
	}
	assert.Equal(t, StateDisconnected, ch.State())
	assert.Zero(t, errs.Load(), "orderly close is not an error")
}

func TestChannelHeartbeat(t *testing.T) {
	ln := NewListener("127.0.0.1:0", 1, func(ch *Channel) {
		_ = ch.Start()
		go func() {
			<-time.After(500 * time.Millisecond)
			ch.Disconnect()
		}()
	})
	require.NoError(t, ln.Start())
	defer ln.Stop()

	ch := dial(t, ln, WithHeartbeat(20*time.Millisecond))
	before := ch.LastSentMessageTime()

	assert.Eventually(t, func() bool {
		return ch.LastSentMessageTime().After(before)
	}, time.Second, 10*time.Millisecond)
}

func TestListenerStopReleasesAcceptors(t *testing.T) {
	defer leaktest.Check(t)()

	ln := NewListener("127.0.0.1:0", 4, func(ch *Channel) { ch.Disconnect() })
	require.NoError(t, ln.Start())
	require.NotNil(t, ln.Addr())

	require.NoError(t, ln.Stop())
	require.NoError(t, ln.Stop())
}

func TestListenerClosesConnOnSubscriberPanic(t *testing.T) {
	ln := NewListener("127.0.0.1:0", 1, func(*Channel) { panic("boom") })
	require.NoError(t, ln.Start())
	defer ln.Stop()

	disconnected := make(chan struct{})
	ch, err := Dial(context.Background(), ln.Addr().String(), jsonProtocol(t), 0, WithHandler(Handler{
		Disconnected: func(*Channel) { close(disconnected) },
	}))
	require.NoError(t, err)
	defer ch.Disconnect()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed after subscriber panic")
	}

	// the acceptor re-armed
	ch2, err := Dial(context.Background(), ln.Addr().String(), jsonProtocol(t), 0)
	require.NoError(t, err)
	ch2.Disconnect()
}
