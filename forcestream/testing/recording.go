package testing

import (
	"context"
	"sync"
	"time"

	"github.com/ahimsalabs/forcestream-go/forcestream"
	"github.com/ahimsalabs/forcestream-go/forcestream/bayeux"
)

// RecordingSession wraps a Session and records the calls that change it.
// State and WaitFor are passed through without recording.
//
// Example:
//
//	rec := NewRecordingSession(inner)
//	// ... exercise code under test ...
//	if rec.CallCount("Subscribe") != 2 {
//		t.Errorf("expected 2 subscribes, got %d", rec.CallCount("Subscribe"))
//	}
type RecordingSession struct {
	inner forcestream.Session
	calls []Call
	mu    sync.Mutex
}

// Call represents a recorded method call.
type Call struct {
	Method string // Method name (e.g., "Subscribe", "Disconnect")
	Args   any    // Method-specific arguments
	At     time.Time
}

// SubscribeArgs are the recorded arguments of Subscribe.
type SubscribeArgs struct {
	Topic    string
	Listener forcestream.MessageListener
	Cursor   int64
}

// UnsubscribeArgs are the recorded arguments of Unsubscribe.
type UnsubscribeArgs struct {
	Topic    string
	Listener forcestream.MessageListener
}

var _ forcestream.Session = (*RecordingSession)(nil)

// NewRecordingSession creates a RecordingSession that wraps inner.
func NewRecordingSession(inner forcestream.Session) *RecordingSession {
	return &RecordingSession{inner: inner}
}

// RecordingFactory wraps every session produced by factory. Recordings are
// passed to onCreate as they are built.
func RecordingFactory(factory forcestream.SessionFactory, onCreate func(*RecordingSession)) forcestream.SessionFactory {
	return func(ctx context.Context, creds *forcestream.Credentials) (forcestream.Session, error) {
		s, err := factory(ctx, creds)
		if err != nil {
			return nil, err
		}
		rec := NewRecordingSession(s)
		if onCreate != nil {
			onCreate(rec)
		}
		return rec, nil
	}
}

func (r *RecordingSession) record(method string, args any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{
		Method: method,
		Args:   args,
		At:     time.Now(),
	})
}

// Handshake records the call and delegates to inner.
func (r *RecordingSession) Handshake(ctx context.Context) error {
	r.record("Handshake", nil)
	return r.inner.Handshake(ctx)
}

// WaitFor delegates to inner.
func (r *RecordingSession) WaitFor(timeout time.Duration, states ...forcestream.ConnectionState) forcestream.ConnectionState {
	return r.inner.WaitFor(timeout, states...)
}

// State delegates to inner.
func (r *RecordingSession) State() forcestream.ConnectionState {
	return r.inner.State()
}

// Disconnect records the call and delegates to inner.
func (r *RecordingSession) Disconnect(ctx context.Context) error {
	r.record("Disconnect", nil)
	return r.inner.Disconnect(ctx)
}

// ResetSubscriptions records the call and delegates to inner.
func (r *RecordingSession) ResetSubscriptions() {
	r.record("ResetSubscriptions", nil)
	r.inner.ResetSubscriptions()
}

// Subscribe records the call and delegates to inner.
func (r *RecordingSession) Subscribe(ctx context.Context, topic string, l forcestream.MessageListener, cursor int64) error {
	r.record("Subscribe", SubscribeArgs{Topic: topic, Listener: l, Cursor: cursor})
	return r.inner.Subscribe(ctx, topic, l, cursor)
}

// Unsubscribe records the call and delegates to inner.
func (r *RecordingSession) Unsubscribe(ctx context.Context, topic string, l forcestream.MessageListener) error {
	r.record("Unsubscribe", UnsubscribeArgs{Topic: topic, Listener: l})
	return r.inner.Unsubscribe(ctx, topic, l)
}

// AddExtension records the call and delegates to inner.
func (r *RecordingSession) AddExtension(ext bayeux.Extension) {
	r.record("AddExtension", ext)
	r.inner.AddExtension(ext)
}

// Close records the call and delegates to inner.
func (r *RecordingSession) Close() error {
	r.record("Close", nil)
	return r.inner.Close()
}

// Calls returns a copy of all recorded calls.
func (r *RecordingSession) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]Call, len(r.calls))
	copy(result, r.calls)
	return result
}

// Reset clears all recorded calls.
func (r *RecordingSession) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// CallCount returns the number of times the specified method was called.
func (r *RecordingSession) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, call := range r.calls {
		if call.Method == method {
			count++
		}
	}
	return count
}
