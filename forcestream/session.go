package forcestream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ahimsalabs/forcestream-go/forcestream/bayeux"
)

// ConnectionState is the protocol state of a streaming session.
// Re-exported from the bayeux package.
type ConnectionState = bayeux.State

// Connection state constants.
const (
	StateDisconnected  = bayeux.StateDisconnected
	StateHandshaking   = bayeux.StateHandshaking
	StateConnected     = bayeux.StateConnected
	StateDisconnecting = bayeux.StateDisconnecting
)

// Session is one authenticated connection to the streaming endpoint: a
// transport bound to a single set of credentials plus the protocol client
// running over it. A StreamingClient replaces its Session wholesale when
// the credentials behind it stop working.
type Session interface {
	// Handshake starts connecting and returns without waiting.
	Handshake(ctx context.Context) error

	// WaitFor blocks until one of states is reached or timeout elapses.
	WaitFor(timeout time.Duration, states ...ConnectionState) ConnectionState

	State() ConnectionState

	// Disconnect ends the server session.
	Disconnect(ctx context.Context) error

	// ResetSubscriptions drops local listeners without contacting the server.
	ResetSubscriptions()

	// Subscribe adds l on topic, resuming after cursor. It returns
	// bayeux.ErrNotConnected when the subscription was deferred until the
	// next handshake.
	Subscribe(ctx context.Context, topic string, l MessageListener, cursor int64) error

	// Unsubscribe removes l from topic, or every listener when l is nil.
	Unsubscribe(ctx context.Context, topic string, l MessageListener) error

	AddExtension(ext bayeux.Extension)

	// Close releases the transport. The session cannot be reused.
	Close() error
}

// SessionFactory builds a Session for creds.
type SessionFactory func(ctx context.Context, creds *Credentials) (Session, error)

// BayeuxSessionConfig configures sessions built by NewBayeuxSessionFactory.
type BayeuxSessionConfig struct {
	// CometDURI is the streaming path on the instance host.
	// Default: DefaultCometDURI.
	CometDURI string

	// ReadTimeout bounds each long-poll request. Default: DefaultReadTimeout.
	ReadTimeout time.Duration

	// HTTPClient is used for all requests. Default: a client whose timeout
	// is ReadTimeout.
	HTTPClient *http.Client

	// Logger receives protocol and transport logs. Default: slog.Default().
	Logger *slog.Logger

	// Client tunes the protocol client's backoff. Its Logger is ignored.
	Client *bayeux.ClientOptions
}

// NewBayeuxSessionFactory returns a factory producing HTTP long-polling
// sessions. Pass nil for cfg to use defaults.
func NewBayeuxSessionFactory(cfg *BayeuxSessionConfig) SessionFactory {
	return func(_ context.Context, creds *Credentials) (Session, error) {
		return NewBayeuxSession(creds, cfg)
	}
}

// BayeuxSession is the default Session: a bayeux.Client over an
// HTTPTransport that authenticates with a fixed access token.
type BayeuxSession struct {
	client *bayeux.Client
	replay *bayeux.ReplayExtension
}

// NewBayeuxSession connects to {scheme}://{host}{CometDURI} of the instance
// in creds. Pass nil for cfg to use defaults.
func NewBayeuxSession(creds *Credentials, cfg *BayeuxSessionConfig) (*BayeuxSession, error) {
	var c BayeuxSessionConfig
	if cfg != nil {
		c = *cfg
	}
	if c.CometDURI == "" {
		c.CometDURI = DefaultCometDURI
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	host, err := creds.Host()
	if err != nil {
		return nil, fmt.Errorf("instance url: %w", err)
	}
	if creds.AccessToken == "" {
		return nil, errors.New("credentials have no access token")
	}

	headers := http.Header{}
	headers.Set("Authorization", "OAuth "+creds.AccessToken)

	var transport bayeux.Transport = bayeux.NewHTTPTransport(host+c.CometDURI, &bayeux.HTTPConfig{
		Client:      c.HTTPClient,
		ReadTimeout: c.ReadTimeout,
		Headers:     bayeux.StaticHeaders(headers),
	})
	transport = bayeux.WithLogging(c.Logger)(transport)

	opts := bayeux.ClientOptions{}
	if c.Client != nil {
		opts = *c.Client
	}
	opts.Logger = c.Logger

	s := &BayeuxSession{
		client: bayeux.NewClient(transport, &opts),
		replay: bayeux.NewReplayExtension(),
	}
	s.client.AddExtension(s.replay)
	return s, nil
}

// Client returns the underlying protocol client.
func (s *BayeuxSession) Client() *bayeux.Client {
	return s.client
}

// Handshake implements Session.
func (s *BayeuxSession) Handshake(ctx context.Context) error {
	return s.client.Handshake(ctx)
}

// WaitFor implements Session.
func (s *BayeuxSession) WaitFor(timeout time.Duration, states ...ConnectionState) ConnectionState {
	return s.client.WaitFor(timeout, states...)
}

// State implements Session.
func (s *BayeuxSession) State() ConnectionState {
	return s.client.State()
}

// Disconnect implements Session.
func (s *BayeuxSession) Disconnect(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// ResetSubscriptions implements Session.
func (s *BayeuxSession) ResetSubscriptions() {
	s.client.ResetSubscriptions()
}

// Subscribe implements Session.
func (s *BayeuxSession) Subscribe(ctx context.Context, topic string, l MessageListener, cursor int64) error {
	s.replay.Set(topic, cursor)
	return s.client.Channel(topic).Subscribe(ctx, l)
}

// Unsubscribe implements Session.
func (s *BayeuxSession) Unsubscribe(ctx context.Context, topic string, l MessageListener) error {
	ch := s.client.Channel(topic)
	err := ch.Unsubscribe(ctx, l)
	if ch.Listeners() == 0 {
		s.replay.Forget(topic)
	}
	return err
}

// AddExtension implements Session.
func (s *BayeuxSession) AddExtension(ext bayeux.Extension) {
	s.client.AddExtension(ext)
}

// Close implements Session.
func (s *BayeuxSession) Close() error {
	return s.client.Close()
}
