package testing

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/ahimsalabs/forcestream-go/forcestream"
	"github.com/ahimsalabs/forcestream-go/forcestream/bayeux"
)

// FakeSession is an in-memory forcestream.Session.
//
// Handshake connects immediately unless Manual is set, in which case the
// session stays handshaking until Connect is called. Subscribe before the
// session is connected keeps the listener and returns bayeux.ErrNotConnected,
// like the real protocol client.
//
// ServerError, TransportError and Publish run installed extensions the way
// the protocol client would for traffic from the server.
type FakeSession struct {
	Credentials *forcestream.Credentials

	// Manual defers the Connected transition until Connect is called.
	Manual bool

	// HandshakeErr, SubscribeErr and DisconnectErr are returned by the
	// corresponding methods when set.
	HandshakeErr  error
	SubscribeErr  error
	DisconnectErr error

	mu         sync.Mutex
	state      forcestream.ConnectionState
	changed    chan struct{}
	extensions []bayeux.Extension
	listeners  map[string][]forcestream.MessageListener
	cursors    map[string]int64
	closed     bool
}

var _ forcestream.Session = (*FakeSession)(nil)

// NewFakeSession creates a disconnected session for creds.
func NewFakeSession(creds *forcestream.Credentials) *FakeSession {
	return &FakeSession{
		Credentials: creds,
		changed:     make(chan struct{}),
		listeners:   make(map[string][]forcestream.MessageListener),
		cursors:     make(map[string]int64),
	}
}

// Handshake implements forcestream.Session.
func (s *FakeSession) Handshake(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return bayeux.ErrClosed
	}
	if s.HandshakeErr != nil {
		return s.HandshakeErr
	}
	if s.state != forcestream.StateDisconnected {
		return nil
	}
	if s.Manual {
		s.setStateLocked(forcestream.StateHandshaking)
	} else {
		s.setStateLocked(forcestream.StateConnected)
	}
	return nil
}

// Connect completes a handshake started in Manual mode.
func (s *FakeSession) Connect() {
	s.mu.Lock()
	s.setStateLocked(forcestream.StateConnected)
	s.mu.Unlock()
}

// WaitFor implements forcestream.Session.
func (s *FakeSession) WaitFor(timeout time.Duration, states ...forcestream.ConnectionState) forcestream.ConnectionState {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		current, changed := s.state, s.changed
		s.mu.Unlock()
		if slices.Contains(states, current) {
			return current
		}
		select {
		case <-changed:
		case <-timer.C:
			return s.State()
		}
	}
}

// State implements forcestream.Session.
func (s *FakeSession) State() forcestream.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Disconnect implements forcestream.Session.
func (s *FakeSession) Disconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(forcestream.StateDisconnected)
	return s.DisconnectErr
}

// ResetSubscriptions implements forcestream.Session.
func (s *FakeSession) ResetSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = make(map[string][]forcestream.MessageListener)
}

// Subscribe implements forcestream.Session.
func (s *FakeSession) Subscribe(_ context.Context, topic string, l forcestream.MessageListener, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SubscribeErr != nil {
		return s.SubscribeErr
	}
	s.cursors[topic] = cursor
	if !slices.Contains(s.listeners[topic], l) {
		s.listeners[topic] = append(s.listeners[topic], l)
	}
	if s.state != forcestream.StateConnected {
		return bayeux.ErrNotConnected
	}
	return nil
}

// Unsubscribe implements forcestream.Session.
func (s *FakeSession) Unsubscribe(_ context.Context, topic string, l forcestream.MessageListener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l == nil {
		delete(s.listeners, topic)
	} else if i := slices.Index(s.listeners[topic], l); i >= 0 {
		s.listeners[topic] = slices.Delete(s.listeners[topic], i, i+1)
	}
	if len(s.listeners[topic]) == 0 {
		delete(s.listeners, topic)
		delete(s.cursors, topic)
	}
	return nil
}

// AddExtension implements forcestream.Session.
func (s *FakeSession) AddExtension(ext bayeux.Extension) {
	s.mu.Lock()
	s.extensions = append(s.extensions, ext)
	s.mu.Unlock()
}

// Close implements forcestream.Session.
func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.setStateLocked(forcestream.StateDisconnected)
	return nil
}

// Closed reports whether Close has been called.
func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Listeners returns the listeners subscribed on topic.
func (s *FakeSession) Listeners(topic string) []forcestream.MessageListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.listeners[topic])
}

// Cursor returns the cursor of the last Subscribe on topic.
func (s *FakeSession) Cursor(topic string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[topic]
	return c, ok
}

// ServerError delivers an unsuccessful /meta/connect reply carrying msg.
func (s *FakeSession) ServerError(msg string) {
	s.incoming(&bayeux.Message{Channel: bayeux.ChannelConnect, Error: msg})
}

// TransportError reports err to extensions that observe transport failures.
func (s *FakeSession) TransportError(err error) {
	for _, ext := range s.snapshotExtensions() {
		if obs, ok := ext.(bayeux.ExceptionObserver); ok {
			obs.TransportException(err)
		}
	}
}

// Publish delivers an event with the given replay id and payload to the
// listeners of topic.
func (s *FakeSession) Publish(topic string, replayID int64, payload any) error {
	data, err := json.Marshal(map[string]any{
		"schema":  "fake",
		"payload": payload,
		"event":   map[string]any{"replayId": replayID},
	})
	if err != nil {
		return err
	}
	msg := &bayeux.Message{Channel: topic, Data: data}
	if !s.incoming(msg) {
		return nil
	}
	for _, l := range s.Listeners(topic) {
		l.OnMessage(topic, msg)
	}
	return nil
}

func (s *FakeSession) incoming(msg *bayeux.Message) bool {
	for _, ext := range s.snapshotExtensions() {
		if !ext.Incoming(msg) {
			return false
		}
	}
	return true
}

func (s *FakeSession) snapshotExtensions() []bayeux.Extension {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.extensions)
}

func (s *FakeSession) setStateLocked(state forcestream.ConnectionState) {
	if s.state == state {
		return
	}
	s.state = state
	close(s.changed)
	s.changed = make(chan struct{})
}

// FakeSessionFactory builds FakeSessions and remembers them in creation
// order.
type FakeSessionFactory struct {
	// Err makes the factory fail.
	Err error

	// Configure, when set, is applied to each session before it is returned.
	Configure func(*FakeSession)

	mu       sync.Mutex
	sessions []*FakeSession
}

// Factory returns a forcestream.SessionFactory backed by f.
func (f *FakeSessionFactory) Factory() forcestream.SessionFactory {
	return func(_ context.Context, creds *forcestream.Credentials) (forcestream.Session, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.Err != nil {
			return nil, f.Err
		}
		s := NewFakeSession(creds)
		if f.Configure != nil {
			f.Configure(s)
		}
		f.sessions = append(f.sessions, s)
		return s, nil
	}
}

// Sessions returns every session built so far.
func (f *FakeSessionFactory) Sessions() []*FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sessions)
}

// Last returns the most recently built session, or nil.
func (f *FakeSessionFactory) Last() *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}
