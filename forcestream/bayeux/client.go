package bayeux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// State is the protocol state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateHandshaking
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Sentinel errors.
var (
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("bayeux: not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bayeux: client closed")
)

// MetaError is returned when the server answers a meta request with
// successful=false.
type MetaError struct {
	Channel string
	Message string
	Advice  *Advice
}

func (e *MetaError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("bayeux: %s failed", e.Channel)
	}
	return fmt.Sprintf("bayeux: %s failed: %s", e.Channel, e.Message)
}

// Default backoff applied between failed handshake or connect attempts.
const (
	DefaultBackoffIncrement = time.Second
	DefaultMaxBackoff       = 30 * time.Second
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Logger receives state transitions and protocol failures.
	// Default: slog.Default().
	Logger *slog.Logger

	// BackoffIncrement is added to the wait after each consecutive failure.
	// Default: DefaultBackoffIncrement.
	BackoffIncrement time.Duration

	// MaxBackoff caps the wait between failed attempts.
	// Default: DefaultMaxBackoff.
	MaxBackoff time.Duration
}

// Client drives the Bayeux handshake/connect cycle over a Transport and
// dispatches server pushes to channel listeners.
//
// Handshake starts a background loop that handshakes and then long-polls
// /meta/connect until Disconnect or Close, following the server's reconnect
// advice. Channels that have listeners are subscribed after every
// successful handshake, including a rehandshake requested by the server.
type Client struct {
	transport        Transport
	logger           *slog.Logger
	backoffIncrement time.Duration
	maxBackoff       time.Duration

	mu         sync.Mutex
	state      State
	changed    chan struct{} // closed and replaced on every state change
	clientID   string
	extensions []Extension
	channels   map[string]*Channel
	cancel     context.CancelFunc
	done       chan struct{}
	closed     bool

	msgID atomic.Uint64
}

// NewClient creates a disconnected client that talks through transport.
// Pass nil for opts to use defaults.
func NewClient(transport Transport, opts *ClientOptions) *Client {
	c := &Client{
		transport:        transport,
		logger:           slog.Default(),
		backoffIncrement: DefaultBackoffIncrement,
		maxBackoff:       DefaultMaxBackoff,
		changed:          make(chan struct{}),
		channels:         make(map[string]*Channel),
	}
	if opts != nil {
		if opts.Logger != nil {
			c.logger = opts.Logger
		}
		if opts.BackoffIncrement > 0 {
			c.backoffIncrement = opts.BackoffIncrement
		}
		if opts.MaxBackoff > 0 {
			c.maxBackoff = opts.MaxBackoff
		}
	}
	return c
}

// AddExtension installs ext. Extensions run in installation order.
func (c *Client) AddExtension(ext Extension) {
	c.mu.Lock()
	c.extensions = append(c.extensions, ext)
	c.mu.Unlock()
}

// RemoveExtension uninstalls ext. It reports whether ext was installed.
func (c *Client) RemoveExtension(ext Extension) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.extensions {
		if e == ext {
			c.extensions = append(c.extensions[:i:i], c.extensions[i+1:]...)
			return true
		}
	}
	return false
}

// State returns the current protocol state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the id assigned by the last successful handshake.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// WaitFor blocks until the client reaches one of states or timeout elapses,
// and returns the state at that moment.
func (c *Client) WaitFor(timeout time.Duration, states ...State) State {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		current, changed := c.state, c.changed
		c.mu.Unlock()

		for _, s := range states {
			if current == s {
				return current
			}
		}

		select {
		case <-changed:
		case <-timer.C:
			return c.State()
		}
	}
}

// Handshake starts the connect loop. It returns immediately; use WaitFor
// to observe the outcome. Calling Handshake on a client that is already
// handshaking or connected is a no-op.
//
// The loop keeps the values of ctx but not its cancellation; it runs until
// Disconnect, Close, or reconnect advice "none".
func (c *Client) Handshake(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state != StateDisconnected {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.setStateLocked(StateHandshaking)

	go c.run(loopCtx, done)
	return nil
}

// Disconnect stops the connect loop and tells the server the session is
// over. Local listeners are kept; call ResetSubscriptions to drop them.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	clientID := c.clientID
	c.setStateLocked(StateDisconnecting)
	if c.cancel != nil {
		c.cancel()
	}
	done := c.done
	c.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	var err error
	if clientID != "" {
		var replies []*Message
		replies, err = c.send(ctx, &Message{Channel: ChannelDisconnect, ClientID: clientID})
		if err == nil {
			if reply := findReply(replies, ChannelDisconnect); reply != nil && !reply.Successful {
				err = &MetaError{Channel: ChannelDisconnect, Message: reply.Error, Advice: reply.Advice}
			}
		}
	}

	c.mu.Lock()
	c.clientID = ""
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	return err
}

// ResetSubscriptions drops every local listener without contacting the
// server.
func (c *Client) ResetSubscriptions() {
	c.mu.Lock()
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		ch.reset()
	}
}

// Close stops the connect loop without sending /meta/disconnect and
// releases the transport when it implements io.Closer. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	done := c.done
	c.mu.Unlock()

	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.clientID = ""
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if closer, ok := c.transport.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Channel returns the channel named name, creating it on first use.
func (c *Client) Channel(name string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[name]
	if !ok {
		ch = &Channel{client: c, name: name}
		c.channels[name] = ch
	}
	return ch
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.loopExited()

	action := ReconnectHandshake
	rehandshake := false
	failures := 0

	for ctx.Err() == nil {
		var (
			reply *Message
			err   error
		)
		if action == ReconnectHandshake {
			if !c.transition(ctx, StateHandshaking) {
				return
			}
			reply, err = c.handshake(ctx)
		} else {
			reply, err = c.connect(ctx)
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.notifyException(err)
			failures++
			if !sleep(ctx, c.backoff(failures)) {
				return
			}
			continue
		}

		advice := reply.Advice
		if !reply.Successful {
			c.logger.WarnContext(ctx, "bayeux meta request failed",
				"channel", reply.Channel,
				"error", reply.Error,
			)
			switch {
			case advice != nil && advice.Reconnect == ReconnectNone:
				return
			case reply.Channel == ChannelHandshake,
				advice != nil && advice.Reconnect == ReconnectHandshake:
				action = ReconnectHandshake
			default:
				action = ReconnectRetry
			}
			failures++
			if !sleep(ctx, c.backoff(failures)) {
				return
			}
			continue
		}
		failures = 0

		if reply.Channel == ChannelHandshake {
			c.mu.Lock()
			c.clientID = reply.ClientID
			c.mu.Unlock()
			if !c.transition(ctx, StateConnected) {
				return
			}
			c.logger.DebugContext(ctx, "bayeux handshake succeeded", "client_id", reply.ClientID)

			c.subscribePending(ctx, rehandshake)
			rehandshake = true
		}

		action = ReconnectRetry
		if advice != nil {
			switch advice.Reconnect {
			case ReconnectNone:
				return
			case ReconnectHandshake:
				action = ReconnectHandshake
			}
			if advice.Interval > 0 && !sleep(ctx, time.Duration(advice.Interval)*time.Millisecond) {
				return
			}
		}
	}
}

// loopExited moves the client to Disconnected unless Disconnect or Close
// owns the transition.
func (c *Client) loopExited() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDisconnecting && !c.closed {
		c.clientID = ""
		c.setStateLocked(StateDisconnected)
	}
}

func (c *Client) handshake(ctx context.Context) (*Message, error) {
	replies, err := c.send(ctx, &Message{
		Channel:                  ChannelHandshake,
		Version:                  protocolVersion,
		MinimumVersion:           protocolVersion,
		SupportedConnectionTypes: []string{connectionTypeLongPoll},
	})
	if err != nil {
		return nil, err
	}
	return c.handleReplies(replies, ChannelHandshake)
}

func (c *Client) connect(ctx context.Context) (*Message, error) {
	replies, err := c.send(ctx, &Message{
		Channel:        ChannelConnect,
		ClientID:       c.ClientID(),
		ConnectionType: connectionTypeLongPoll,
	})
	if err != nil {
		return nil, err
	}
	return c.handleReplies(replies, ChannelConnect)
}

// handleReplies dispatches data messages and returns the reply on want.
func (c *Client) handleReplies(replies []*Message, want string) (*Message, error) {
	var reply *Message
	for _, m := range replies {
		switch {
		case m.Channel == want && reply == nil:
			reply = m
		case !m.IsMeta():
			c.dispatch(m)
		}
	}
	if reply == nil {
		return nil, fmt.Errorf("bayeux: no %s reply in response", want)
	}
	return reply, nil
}

func (c *Client) dispatch(msg *Message) {
	c.mu.Lock()
	ch := c.channels[msg.Channel]
	c.mu.Unlock()
	if ch == nil {
		c.logger.Debug("bayeux message on unknown channel", "channel", msg.Channel)
		return
	}
	for _, l := range ch.snapshot() {
		l.OnMessage(msg.Channel, msg)
	}
}

// subscribePending sends /meta/subscribe for channels that gained
// listeners before the handshake completed. After a rehandshake every
// channel with listeners is subscribed again, since the server forgot the
// old client id.
func (c *Client) subscribePending(ctx context.Context, rehandshake bool) {
	c.mu.Lock()
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		ch.mu.Lock()
		if rehandshake {
			ch.subscribed = false
		}
		pending := len(ch.listeners) > 0 && !ch.subscribed
		ch.mu.Unlock()
		if !pending {
			continue
		}
		if err := ch.subscribeRemote(ctx); err != nil {
			c.logger.WarnContext(ctx, "bayeux subscribe failed", "channel", ch.name, "error", err)
		}
	}
}

// send stamps ids, runs extensions in both directions, and returns the
// replies the extensions let through.
func (c *Client) send(ctx context.Context, msgs ...*Message) ([]*Message, error) {
	c.mu.Lock()
	exts := append([]Extension(nil), c.extensions...)
	c.mu.Unlock()

	out := make([]*Message, 0, len(msgs))
outgoing:
	for _, m := range msgs {
		m.ID = strconv.FormatUint(c.msgID.Add(1), 10)
		for _, ext := range exts {
			if !ext.Outgoing(m) {
				continue outgoing
			}
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, nil
	}

	replies, err := c.transport.Send(ctx, out)
	if err != nil {
		return nil, err
	}

	kept := replies[:0]
incoming:
	for _, m := range replies {
		for _, ext := range exts {
			if !ext.Incoming(m) {
				continue incoming
			}
		}
		kept = append(kept, m)
	}
	return kept, nil
}

func (c *Client) notifyException(err error) {
	c.mu.Lock()
	exts := append([]Extension(nil), c.extensions...)
	c.mu.Unlock()

	for _, ext := range exts {
		if obs, ok := ext.(ExceptionObserver); ok {
			obs.TransportException(err)
		}
	}
}

func (c *Client) backoff(failures int) time.Duration {
	d := time.Duration(failures) * c.backoffIncrement
	if d > c.maxBackoff {
		d = c.maxBackoff
	}
	return d
}

// transition moves the loop to s unless the loop has been stopped.
func (c *Client) transition(ctx context.Context, s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	c.setStateLocked(s)
	return true
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
}

func findReply(replies []*Message, channel string) *Message {
	for _, m := range replies {
		if m.Channel == channel {
			return m
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
