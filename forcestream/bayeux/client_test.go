package bayeux_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahimsalabs/forcestream-go/forcestream/bayeux"
)

const waitTimeout = 2 * time.Second

func newTestClient(t *testing.T, srv *fakeServer) *bayeux.Client {
	t.Helper()
	c := bayeux.NewClient(srv, &bayeux.ClientOptions{
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		BackoffIncrement: time.Millisecond,
		MaxBackoff:       5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func connect(t *testing.T, c *bayeux.Client) {
	t.Helper()
	require.NoError(t, c.Handshake(context.Background()))
	require.Equal(t, bayeux.StateConnected, c.WaitFor(waitTimeout, bayeux.StateConnected))
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state bayeux.State
		want  string
	}{
		{bayeux.StateDisconnected, "disconnected"},
		{bayeux.StateHandshaking, "handshaking"},
		{bayeux.StateConnected, "connected"},
		{bayeux.StateDisconnecting, "disconnecting"},
		{bayeux.State(9), "State(9)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestClient_Handshake(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv)

	assert.Equal(t, bayeux.StateDisconnected, c.State())
	connect(t, c)
	assert.Equal(t, "client-1", c.ClientID())

	hs := srv.Requests(bayeux.ChannelHandshake)
	require.Len(t, hs, 1)
	assert.Equal(t, "1.0", hs[0].Version)
	assert.Equal(t, []string{"long-polling"}, hs[0].SupportedConnectionTypes)
	assert.NotEmpty(t, hs[0].ID)

	require.Eventually(t, func() bool {
		return len(srv.Requests(bayeux.ChannelConnect)) > 0
	}, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, "client-1", srv.Requests(bayeux.ChannelConnect)[0].ClientID)

	// A second handshake while connected does nothing.
	require.NoError(t, c.Handshake(context.Background()))
	assert.Len(t, srv.Requests(bayeux.ChannelHandshake), 1)
}

func TestClient_WaitForTimeout(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv)

	start := time.Now()
	got := c.WaitFor(20*time.Millisecond, bayeux.StateConnected)
	assert.Equal(t, bayeux.StateDisconnected, got)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestClient_SubscribeAndDispatch(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv)
	connect(t, c)

	l := &recorder{}
	ch := c.Channel("/event/Order__e")
	require.NoError(t, ch.Subscribe(context.Background(), l))
	assert.True(t, srv.Subscribed("/event/Order__e"))
	assert.Equal(t, 1, ch.Listeners())

	// Subscribing the same listener again is a no-op.
	require.NoError(t, ch.Subscribe(context.Background(), l))
	assert.Equal(t, 1, ch.Listeners())
	assert.Len(t, srv.Requests(bayeux.ChannelSubscribe), 1)

	srv.Publish("/event/Order__e", map[string]any{"event": map[string]any{"replayId": 7}})
	require.Eventually(t, func() bool { return len(l.Messages()) == 1 }, waitTimeout, 5*time.Millisecond)

	id, ok := bayeux.EventReplayID(l.Messages()[0])
	require.True(t, ok)
	assert.Equal(t, int64(7), id)
}

func TestClient_SubscribeBeforeHandshake(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv)

	l := &recorder{}
	err := c.Channel("/topic/Accounts").Subscribe(context.Background(), l)
	assert.ErrorIs(t, err, bayeux.ErrNotConnected)
	assert.Empty(t, srv.Requests(bayeux.ChannelSubscribe))

	connect(t, c)
	require.Eventually(t, func() bool { return srv.Subscribed("/topic/Accounts") }, waitTimeout, 5*time.Millisecond)
}

func TestClient_Unsubscribe(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv)
	connect(t, c)
	ctx := context.Background()

	a, b := &recorder{}, &recorder{}
	ch := c.Channel("/event/Order__e")
	require.NoError(t, ch.Subscribe(ctx, a))
	require.NoError(t, ch.Subscribe(ctx, b))

	require.NoError(t, ch.Unsubscribe(ctx, a))
	assert.Empty(t, srv.Requests(bayeux.ChannelUnsubscribe))
	assert.Equal(t, 1, ch.Listeners())

	require.NoError(t, ch.Unsubscribe(ctx, b))
	require.Len(t, srv.Requests(bayeux.ChannelUnsubscribe), 1)
	assert.False(t, srv.Subscribed("/event/Order__e"))
	assert.Zero(t, ch.Listeners())
}

func TestClient_UnsubscribeAll(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv)
	connect(t, c)
	ctx := context.Background()

	ch := c.Channel("/event/Order__e")
	require.NoError(t, ch.Subscribe(ctx, &recorder{}))
	require.NoError(t, ch.Subscribe(ctx, &recorder{}))

	require.NoError(t, ch.Unsubscribe(ctx, nil))
	assert.Zero(t, ch.Listeners())
	assert.Len(t, srv.Requests(bayeux.ChannelUnsubscribe), 1)
}

func TestClient_SubscribeRejected(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv)
	connect(t, c)

	c.AddExtension(&rejectSubscribe{})
	err := c.Channel("/event/Nope__e").Subscribe(context.Background(), &recorder{})

	var metaErr *bayeux.MetaError
	require.True(t, errors.As(err, &metaErr))
	assert.Equal(t, bayeux.ChannelSubscribe, metaErr.Channel)
	assert.Equal(t, "403:denied", metaErr.Message)
}

// rejectSubscribe rewrites subscribe replies into failures.
type rejectSubscribe struct{}

func (rejectSubscribe) Outgoing(*bayeux.Message) bool { return true }

func (rejectSubscribe) Incoming(m *bayeux.Message) bool {
	if m.Channel == bayeux.ChannelSubscribe {
		m.Successful = false
		m.Error = "403:denied"
	}
	return true
}

func TestClient_HandshakeDeniedReportsError(t *testing.T) {
	srv := newFakeServer()
	srv.ScriptHandshake(&bayeux.Message{
		Error:  "403::Handshake denied",
		Advice: &bayeux.Advice{Reconnect: bayeux.ReconnectNone},
	})
	c := newTestClient(t, srv)

	var mu sync.Mutex
	var errs []string
	c.AddExtension(&bayeux.ErrorExtension{
		OnError: func(msg string) {
			mu.Lock()
			errs = append(errs, msg)
			mu.Unlock()
		},
	})

	require.NoError(t, c.Handshake(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == 1
	}, waitTimeout, 5*time.Millisecond)

	assert.Equal(t, bayeux.StateDisconnected, c.WaitFor(waitTimeout, bayeux.StateDisconnected))
	mu.Lock()
	assert.Equal(t, []string{"403::Handshake denied"}, errs)
	mu.Unlock()
}

func TestClient_HandshakeRetriedAfterFailure(t *testing.T) {
	srv := newFakeServer()
	srv.ScriptHandshake(&bayeux.Message{Error: "500::busy"})
	c := newTestClient(t, srv)

	connect(t, c)
	assert.Len(t, srv.Requests(bayeux.ChannelHandshake), 2)
}

func TestClient_TransportExceptionObserved(t *testing.T) {
	srv := newFakeServer()
	boom := errors.New("connection refused")
	srv.FailNext(boom)
	c := newTestClient(t, srv)

	got := make(chan error, 1)
	c.AddExtension(&bayeux.ErrorExtension{
		OnException: func(err error) {
			select {
			case got <- err:
			default:
			}
		},
	})

	connect(t, c)
	select {
	case err := <-got:
		assert.ErrorIs(t, err, boom)
	case <-time.After(waitTimeout):
		t.Fatal("exception not observed")
	}
}

func TestClient_RehandshakeResubscribes(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv)
	connect(t, c)

	l := &recorder{}
	require.NoError(t, c.Channel("/event/Order__e").Subscribe(context.Background(), l))
	require.Len(t, srv.Requests(bayeux.ChannelSubscribe), 1)

	srv.ScriptConnect(&bayeux.Message{
		Error:  "402::Unknown client",
		Advice: &bayeux.Advice{Reconnect: bayeux.ReconnectHandshake},
	})

	require.Eventually(t, func() bool {
		return c.ClientID() == "client-2" && srv.Subscribed("/event/Order__e")
	}, waitTimeout, 5*time.Millisecond)
	assert.Len(t, srv.Requests(bayeux.ChannelSubscribe), 2)
}

func TestClient_Disconnect(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv)
	connect(t, c)

	l := &recorder{}
	ch := c.Channel("/event/Order__e")
	require.NoError(t, ch.Subscribe(context.Background(), l))

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, bayeux.StateDisconnected, c.State())
	assert.Empty(t, c.ClientID())

	dis := srv.Requests(bayeux.ChannelDisconnect)
	require.Len(t, dis, 1)
	assert.Equal(t, "client-1", dis[0].ClientID)

	// Listeners survive a disconnect until reset.
	assert.Equal(t, 1, ch.Listeners())
	c.ResetSubscriptions()
	assert.Zero(t, ch.Listeners())

	// Disconnecting twice is harmless.
	require.NoError(t, c.Disconnect(context.Background()))
	assert.Len(t, srv.Requests(bayeux.ChannelDisconnect), 1)
}

func TestClient_HandshakeAfterDisconnect(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv)
	connect(t, c)
	require.NoError(t, c.Disconnect(context.Background()))

	connect(t, c)
	assert.Equal(t, "client-2", c.ClientID())
}

func TestClient_Close(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv)
	connect(t, c)

	require.NoError(t, c.Close())
	assert.Equal(t, bayeux.StateDisconnected, c.State())
	assert.True(t, srv.Closed())
	assert.Empty(t, srv.Requests(bayeux.ChannelDisconnect))

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Handshake(context.Background()), bayeux.ErrClosed)
}

func TestClient_RemoveExtension(t *testing.T) {
	c := bayeux.NewClient(newFakeServer(), nil)
	ext := &bayeux.ErrorExtension{}
	c.AddExtension(ext)

	assert.True(t, c.RemoveExtension(ext))
	assert.False(t, c.RemoveExtension(ext))
}

type funcListener func(string, *bayeux.Message)

func (f funcListener) OnMessage(ch string, m *bayeux.Message) { f(ch, m) }

func TestSameListener(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	f := funcListener(func(string, *bayeux.Message) {})

	assert.True(t, bayeux.SameListener(a, a))
	assert.False(t, bayeux.SameListener(a, b))
	assert.False(t, bayeux.SameListener(a, f))
	assert.False(t, bayeux.SameListener(f, f))
	assert.True(t, bayeux.Comparable(a))
	assert.False(t, bayeux.Comparable(f))
}

func TestChannel_FuncListenerDoesNotPanic(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv)
	connect(t, c)
	ctx := context.Background()

	ch := c.Channel("/event/Order__e")
	a := &recorder{}
	f := funcListener(func(string, *bayeux.Message) {})
	require.NoError(t, ch.Subscribe(ctx, a))
	require.NotPanics(t, func() {
		require.NoError(t, ch.Subscribe(ctx, f))
		require.NoError(t, ch.Unsubscribe(ctx, f))
	})
	assert.Equal(t, 2, ch.Listeners())

	require.NoError(t, ch.Unsubscribe(ctx, a))
	assert.Equal(t, 1, ch.Listeners())
}
