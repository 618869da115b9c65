package forcestream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ahimsalabs/forcestream-go/forcestream/bayeux"
)

// Default timeouts for Handshake and Disconnect.
const (
	DefaultHandshakeTimeout  = time.Second
	DefaultDisconnectTimeout = time.Second
	DefaultRecoveryTimeout   = 10 * time.Second
)

const recoveryPollInterval = 50 * time.Millisecond

// Server error texts that mean the session's credentials are no longer
// accepted. Matched case-insensitively.
var authFailureMessages = []string{
	"403::Handshake denied",
	"403:denied_by_security_policy:create_denied",
	"403::unknown client",
}

const invalidReplayMarker = "you provided was invalid"

// timeoutMessage is how some servers and proxies word a long-poll timeout.
const timeoutMessage = "The operation has timed out."

// CredentialsSource supplies and invalidates credentials. *TokenProvider
// implements it.
type CredentialsSource interface {
	Credentials(ctx context.Context) (*Credentials, error)
	Invalidate()
}

// StreamingOptions configures a StreamingClient.
type StreamingOptions struct {
	// SessionFactory builds sessions from credentials.
	// Default: NewBayeuxSessionFactory using the Config's CometDURI and
	// ReadTimeout.
	SessionFactory SessionFactory

	// HTTPClient is passed to the default SessionFactory.
	HTTPClient *http.Client

	// ReplayStrategy is called with the cursor the server rejected.
	// It may call SubscribeTopic to resubscribe with another cursor.
	ReplayStrategy func(cursor int64)

	// ReplayStore, when set, receives the replay id of every delivered
	// event. The store is not closed by the client.
	ReplayStore ReplayStore

	// RecoveryTimeout bounds the handshake of a rebuilt session.
	// Default: DefaultRecoveryTimeout.
	RecoveryTimeout time.Duration

	// Logger is the structured logger. Default: slog.Default().
	Logger *slog.Logger
}

// StreamingClient keeps a streaming subscription alive across credential
// expiry.
//
// When the server rejects the session's credentials, the client tears the
// session down, invalidates the cached token, builds a new session with
// fresh credentials, handshakes it, and notifies Reconnect observers.
// Subscriptions are not restored automatically; observers typically call
// Resubscribe.
type StreamingClient struct {
	tokens          CredentialsSource
	factory         SessionFactory
	registry        *Registry
	store           ReplayStore
	replayStrategy  func(int64)
	readTimeout     time.Duration
	recoveryTimeout time.Duration
	logger          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex // guards session, hook, gen, disposed transitions
	session  Session
	hook     *bayeux.ErrorExtension
	gen      uint64
	disposed atomic.Bool

	recovering   sync.Mutex
	reconnecting atomic.Bool
	wg           sync.WaitGroup

	obsMu       sync.Mutex
	nextObs     uint64
	reconnectFn map[uint64]func(*StreamingClient, bool)
	errorFn     map[uint64]func(error)
}

// NewStreamingClient authenticates through tokens and builds the first
// session. It does not handshake. Pass nil for cfg or opts to use defaults.
func NewStreamingClient(ctx context.Context, tokens CredentialsSource, cfg *Config, opts *StreamingOptions) (*StreamingClient, error) {
	if cfg == nil {
		d := DefaultConfig()
		cfg = &d
	}
	var o StreamingOptions
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.RecoveryTimeout <= 0 {
		o.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if o.SessionFactory == nil {
		o.SessionFactory = NewBayeuxSessionFactory(&BayeuxSessionConfig{
			CometDURI:   cfg.CometDURI,
			ReadTimeout: cfg.ReadTimeoutDuration(),
			HTTPClient:  o.HTTPClient,
			Logger:      o.Logger,
		})
	}

	rootCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &StreamingClient{
		tokens:          tokens,
		factory:         o.SessionFactory,
		registry:        NewRegistry(),
		store:           o.ReplayStore,
		replayStrategy:  o.ReplayStrategy,
		readTimeout:     cfg.ReadTimeoutDuration(),
		recoveryTimeout: o.RecoveryTimeout,
		logger:          o.Logger,
		ctx:             rootCtx,
		cancel:          cancel,
		reconnectFn:     make(map[uint64]func(*StreamingClient, bool)),
		errorFn:         make(map[uint64]func(error)),
	}

	c.logger.DebugContext(ctx, "creating streaming session")
	session, err := c.buildSession(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.session = session
	c.hook = c.newHook(c.gen)
	session.AddExtension(c.hook)
	session.AddExtension(&cursorTracker{client: c})
	c.logger.DebugContext(ctx, "streaming session created")
	return c, nil
}

// Registry returns the client's subscription registry.
func (c *StreamingClient) Registry() *Registry {
	return c.registry
}

// State returns the current session's protocol state.
func (c *StreamingClient) State() ConnectionState {
	return c.currentSession().State()
}

// IsConnected reports whether the current session is connected.
func (c *StreamingClient) IsConnected() bool {
	if c.disposed.Load() {
		return false
	}
	return c.State() == StateConnected
}

// Reconnecting reports whether session recovery is in progress.
func (c *StreamingClient) Reconnecting() bool {
	return c.reconnecting.Load()
}

// Handshake connects the current session and waits up to timeout for it to
// become connected. It returns nil on timeout; check IsConnected.
// Handshake on a connected client is a no-op.
func (c *StreamingClient) Handshake(timeout time.Duration) error {
	if c.disposed.Load() {
		return ErrDisposed
	}

	c.mu.Lock()
	s := c.session
	if c.hook.Detached() {
		c.hook = c.newHook(c.gen)
		s.AddExtension(c.hook)
	}
	c.mu.Unlock()

	if s.State() == StateConnected {
		return nil
	}

	c.logger.Debug("handshaking")
	if err := s.Handshake(c.ctx); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if state := s.WaitFor(timeout, StateConnected); state == StateConnected {
		c.logger.Debug("connected")
	} else {
		c.logger.Debug("handshake still pending", "state", state, "timeout", timeout)
	}
	return nil
}

// Disconnect drops the session's subscriptions, ends the server session,
// and waits up to timeout for it to finish. Connection callbacks stop
// until the next Handshake. Disconnecting a disconnected client is a no-op.
//
// Registered subscriptions are kept and can be restored with Resubscribe
// after a new Handshake.
func (c *StreamingClient) Disconnect(timeout time.Duration) error {
	if c.disposed.Load() {
		return ErrDisposed
	}
	c.mu.Lock()
	s, hook := c.session, c.hook
	c.mu.Unlock()
	return c.disconnectSession(s, hook, timeout)
}

// SubscribeTopic registers l on topic and subscribes on the live session,
// resuming after cursor (NoReplay for new events only, ReplayAll for all
// retained events). If the client is not connected yet the subscription is
// sent after the next handshake.
func (c *StreamingClient) SubscribeTopic(topic string, l MessageListener, cursor int64) error {
	if c.disposed.Load() {
		return ErrDisposed
	}
	topic, err := normalizeTopic(topic)
	if err != nil {
		return err
	}
	if l == nil {
		return ErrNilListener
	}
	if !bayeux.Comparable(l) {
		return fmt.Errorf("subscribe %s: %w (%T)", topic, ErrInvalidListener, l)
	}

	c.registry.Add(topic, l, cursor)

	ctx, cancel := context.WithTimeout(c.ctx, c.readTimeout)
	defer cancel()
	if err := c.currentSession().Subscribe(ctx, topic, l, cursor); err != nil && !errors.Is(err, bayeux.ErrNotConnected) {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.logger.Debug("subscribed", "topic", topic, "cursor", cursor)
	return nil
}

// UnsubscribeTopic removes l from topic, or every listener of topic when l
// is nil. It reports false when topic (or l on topic) was not registered.
func (c *StreamingClient) UnsubscribeTopic(topic string, l MessageListener) (bool, error) {
	if c.disposed.Load() {
		return false, ErrDisposed
	}
	topic, err := normalizeTopic(topic)
	if err != nil {
		return false, err
	}

	if !bayeux.Comparable(l) {
		return false, fmt.Errorf("unsubscribe %s: %w (%T)", topic, ErrInvalidListener, l)
	}

	var removed bool
	if l == nil {
		removed = c.registry.RemoveAll(topic)
	} else {
		removed = c.registry.Remove(topic, l)
	}
	if !removed {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.readTimeout)
	defer cancel()
	if err := c.currentSession().Unsubscribe(ctx, topic, l); err != nil && !errors.Is(err, bayeux.ErrNotConnected) {
		return true, fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	c.logger.Debug("unsubscribed", "topic", topic)
	return true, nil
}

// Resubscribe subscribes every registered listener on the current session
// at its topic's latest replay cursor. Call it from a Reconnect observer
// to restore subscriptions after recovery.
func (c *StreamingClient) Resubscribe() error {
	if c.disposed.Load() {
		return ErrDisposed
	}
	s := c.currentSession()

	var errs []error
	for _, sub := range c.registry.Snapshot() {
		for _, l := range sub.Listeners {
			ctx, cancel := context.WithTimeout(c.ctx, c.readTimeout)
			err := s.Subscribe(ctx, sub.Topic, l, sub.Cursor)
			cancel()
			if err != nil && !errors.Is(err, bayeux.ErrNotConnected) {
				errs = append(errs, fmt.Errorf("resubscribe %s: %w", sub.Topic, err))
			}
		}
		c.logger.Debug("resubscribed", "topic", sub.Topic, "cursor", sub.Cursor)
	}
	return errors.Join(errs...)
}

// ResumeCursor returns the stored cursor for topic, or fallback when there
// is no ReplayStore or no stored cursor.
func (c *StreamingClient) ResumeCursor(ctx context.Context, topic string, fallback int64) int64 {
	if c.store == nil {
		return fallback
	}
	cursor, err := c.store.Load(ctx, topic)
	if err != nil {
		if !errors.Is(err, ErrCursorNotFound) {
			c.logger.WarnContext(ctx, "load replay cursor failed", "topic", topic, "error", err)
		}
		return fallback
	}
	return cursor
}

// OnReconnect registers fn to run after the session has been rebuilt.
// The returned function unregisters it. fn may call Close.
func (c *StreamingClient) OnReconnect(fn func(client *StreamingClient, reconnected bool)) (unregister func()) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.reconnectFn[id] = fn
	return func() {
		c.obsMu.Lock()
		delete(c.reconnectFn, id)
		c.obsMu.Unlock()
	}
}

// OnError registers fn to receive server errors that were not handled by
// recovery. The returned function unregisters it.
func (c *StreamingClient) OnError(fn func(err error)) (unregister func()) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.errorFn[id] = fn
	return func() {
		c.obsMu.Lock()
		delete(c.errorFn, id)
		c.obsMu.Unlock()
	}
}

// Close disconnects if connected, waits for any session rebuild in
// progress, and releases the session. It does not wait for observers.
// Close is idempotent. Every other method returns ErrDisposed afterwards.
func (c *StreamingClient) Close() error {
	c.mu.Lock()
	if c.disposed.Swap(true) {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	s, hook := c.session, c.hook
	c.mu.Unlock()

	if s.State() != StateDisconnected {
		if err := c.disconnectSession(s, hook, DefaultDisconnectTimeout); err != nil {
			c.logger.Debug("disconnect on close failed", "error", err)
		}
	}
	hook.Detach()
	return s.Close()
}

func (c *StreamingClient) currentSession() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *StreamingClient) buildSession(ctx context.Context) (Session, error) {
	creds, err := c.tokens.Credentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("get credentials: %w", err)
	}
	s, err := c.factory(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

func (c *StreamingClient) disconnectSession(s Session, hook *bayeux.ErrorExtension, timeout time.Duration) error {
	s.ResetSubscriptions()

	c.logger.Debug("disconnecting")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.Disconnect(ctx)
	s.WaitFor(timeout, StateDisconnected)
	hook.Detach()
	c.logger.Debug("disconnected")
	return err
}

func (c *StreamingClient) newHook(gen uint64) *bayeux.ErrorExtension {
	return &bayeux.ErrorExtension{
		OnError:     func(msg string) { c.handleServerError(gen, msg) },
		OnException: c.handleException,
		OnMessage: func(msg string) {
			c.logger.Debug("streaming meta message", "message", msg)
		},
	}
}

func (c *StreamingClient) handleServerError(gen uint64, msg string) {
	switch {
	case isAuthFailure(msg):
		c.logger.Warn("handled streaming error", "message", msg)
		c.startRecovery(gen)

	case strings.Contains(strings.ToLower(msg), invalidReplayMarker):
		cursor, ok := parseReplayCursor(msg)
		if !ok {
			c.logger.Warn("unparseable replay cursor error", "message", msg)
			return
		}
		c.logger.Warn("replay cursor rejected", "cursor", cursor, "message", msg)
		if c.replayStrategy != nil {
			c.replayStrategy(cursor)
		}
		c.notifyError(&ReplayCursorError{Cursor: cursor, Message: msg})

	default:
		c.logger.Error("streaming server error", "message", msg)
		c.notifyError(&ServerError{Message: msg})
	}
}

func (c *StreamingClient) handleException(err error) {
	if isTimeout(err) {
		c.logger.Debug("streaming request timed out", "error", err)
		return
	}
	c.logger.Error("streaming transport error", "error", err)
}

// startRecovery runs recovery in the background unless one is already
// running or gen belongs to a session that has been replaced.
func (c *StreamingClient) startRecovery(gen uint64) {
	if !c.recovering.TryLock() {
		c.logger.Debug("recovery already in progress")
		return
	}

	c.mu.Lock()
	if c.disposed.Load() || gen != c.gen {
		c.mu.Unlock()
		c.recovering.Unlock()
		return
	}
	c.reconnecting.Store(true)
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.recovering.Unlock()
		defer c.reconnecting.Store(false)

		reconnected, err := c.rebuildSession()
		// Observers run outside the wait group so they can call Close.
		c.wg.Done()
		switch {
		case err != nil:
			c.logger.Error("streaming recovery failed", "error", err)
			c.notifyError(err)
		case reconnected:
			c.notifyReconnect()
		}
	}()
}

// rebuildSession replaces the session and reports whether observers should
// hear about it.
func (c *StreamingClient) rebuildSession() (bool, error) {
	c.mu.Lock()
	old, oldHook := c.session, c.hook
	c.mu.Unlock()

	// 1. Disconnect the rejected session.
	if err := c.disconnectSession(old, oldHook, DefaultDisconnectTimeout); err != nil {
		c.logger.Debug("disconnect during recovery failed", "error", err)
	}

	// 2. Drop the rejected token.
	c.tokens.Invalidate()
	c.logger.Debug("invalidated credentials")

	// 3. Replace the session with one built from fresh credentials.
	if err := old.Close(); err != nil {
		c.logger.Debug("close rejected session failed", "error", err)
	}
	next, err := c.buildSession(c.ctx)
	if err != nil {
		if c.ctx.Err() != nil {
			return false, nil
		}
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			err = &AuthError{Op: "reconnect", Err: err}
		}
		return false, err
	}

	c.mu.Lock()
	if c.disposed.Load() {
		c.mu.Unlock()
		return false, next.Close()
	}
	c.gen++
	c.session = next
	c.hook = c.newHook(c.gen)
	next.AddExtension(c.hook)
	next.AddExtension(&cursorTracker{client: c})
	c.mu.Unlock()

	// 4. Connect the new session.
	if err := next.Handshake(c.ctx); err != nil {
		return false, fmt.Errorf("handshake rebuilt session: %w", err)
	}
	if state := c.waitConnected(next, c.recoveryTimeout); state != StateConnected {
		if c.ctx.Err() != nil {
			return false, nil
		}
		c.logger.Warn("rebuilt session not connected yet", "state", state)
	}
	return true, nil
}

// waitConnected waits up to timeout for s to connect, returning early once
// the client is closed.
func (c *StreamingClient) waitConnected(s Session, timeout time.Duration) ConnectionState {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 || c.ctx.Err() != nil {
			return s.State()
		}
		if state := s.WaitFor(min(remaining, recoveryPollInterval), StateConnected); state == StateConnected {
			return state
		}
	}
}

func (c *StreamingClient) notifyReconnect() {
	c.obsMu.Lock()
	fns := make([]func(*StreamingClient, bool), 0, len(c.reconnectFn))
	for _, fn := range c.reconnectFn {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()

	for _, fn := range fns {
		c.safeCall(func() { fn(c, true) })
	}
}

func (c *StreamingClient) notifyError(err error) {
	c.obsMu.Lock()
	fns := make([]func(error), 0, len(c.errorFn))
	for _, fn := range c.errorFn {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()

	for _, fn := range fns {
		c.safeCall(func() { fn(err) })
	}
}

func (c *StreamingClient) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("observer panicked", "panic", r)
		}
	}()
	fn()
}

// cursorTracker records the replay id of each delivered event in the
// registry and, if configured, the replay store.
type cursorTracker struct {
	client *StreamingClient
}

func (t *cursorTracker) Incoming(msg *bayeux.Message) bool {
	if msg.IsMeta() {
		return true
	}
	id, ok := bayeux.EventReplayID(msg)
	if !ok {
		return true
	}
	c := t.client
	if !c.registry.UpdateCursor(msg.Channel, id) {
		return true
	}
	if c.store != nil {
		if err := c.store.Save(c.ctx, msg.Channel, id); err != nil {
			c.logger.Warn("save replay cursor failed", "topic", msg.Channel, "cursor", id, "error", err)
		}
	}
	return true
}

func (t *cursorTracker) Outgoing(*bayeux.Message) bool {
	return true
}

func normalizeTopic(topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", ErrInvalidTopic
	}
	if !strings.HasPrefix(topic, "/") {
		return "", fmt.Errorf("%w: %q must start with /", ErrInvalidTopic, topic)
	}
	return topic, nil
}

func isAuthFailure(msg string) bool {
	for _, m := range authFailureMessages {
		if strings.EqualFold(msg, m) {
			return true
		}
	}
	return false
}

// parseReplayCursor extracts n from "... {n} you provided was invalid ...".
func parseReplayCursor(msg string) (int64, bool) {
	start := strings.IndexByte(msg, '{')
	end := strings.IndexByte(msg, '}')
	if start < 0 || end <= start+1 {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(msg[start+1:end]), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), timeoutMessage)
}
