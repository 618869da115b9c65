// Package testing provides test helpers for forcestream.
//
// This package contains test doubles and utilities for testing code that uses
// the forcestream library. The main helpers are:
//
//   - SessionStub: A configurable stub Session for unit tests
//   - RecordingSession: A decorator that records all Session method calls
//   - FakeSession: An in-memory Session that can inject server errors and events
//   - CredentialsStub: A CredentialsSource that counts refreshes and invalidations
//   - Server: A fake Salesforce org serving OAuth, CometD and REST over HTTP
//
// Example usage:
//
//	factory := &testing.FakeSessionFactory{}
//	client, _ := forcestream.NewStreamingClient(ctx, creds, nil, &forcestream.StreamingOptions{
//		SessionFactory: factory.Factory(),
//	})
//	_ = client.Handshake(time.Second)
//	factory.Last().ServerError("403::Handshake denied")
package testing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ahimsalabs/forcestream-go/forcestream"
	"github.com/ahimsalabs/forcestream-go/forcestream/bayeux"
)

// SessionStub is a test double for forcestream.Session.
//
// Set the function fields to control behavior. Unset methods panic with
// a "not implemented" message, making it easy to identify which methods
// your tests need to stub.
type SessionStub struct {
	HandshakeFunc          func(ctx context.Context) error
	WaitForFunc            func(timeout time.Duration, states ...forcestream.ConnectionState) forcestream.ConnectionState
	StateFunc              func() forcestream.ConnectionState
	DisconnectFunc         func(ctx context.Context) error
	ResetSubscriptionsFunc func()
	SubscribeFunc          func(ctx context.Context, topic string, l forcestream.MessageListener, cursor int64) error
	UnsubscribeFunc        func(ctx context.Context, topic string, l forcestream.MessageListener) error
	AddExtensionFunc       func(ext bayeux.Extension)
	CloseFunc              func() error
}

var _ forcestream.Session = (*SessionStub)(nil)

// Handshake delegates to HandshakeFunc or panics if not set.
func (s *SessionStub) Handshake(ctx context.Context) error {
	if s.HandshakeFunc == nil {
		panic("SessionStub.Handshake not implemented")
	}
	return s.HandshakeFunc(ctx)
}

// WaitFor delegates to WaitForFunc or panics if not set.
func (s *SessionStub) WaitFor(timeout time.Duration, states ...forcestream.ConnectionState) forcestream.ConnectionState {
	if s.WaitForFunc == nil {
		panic("SessionStub.WaitFor not implemented")
	}
	return s.WaitForFunc(timeout, states...)
}

// State delegates to StateFunc or panics if not set.
func (s *SessionStub) State() forcestream.ConnectionState {
	if s.StateFunc == nil {
		panic("SessionStub.State not implemented")
	}
	return s.StateFunc()
}

// Disconnect delegates to DisconnectFunc or panics if not set.
func (s *SessionStub) Disconnect(ctx context.Context) error {
	if s.DisconnectFunc == nil {
		panic("SessionStub.Disconnect not implemented")
	}
	return s.DisconnectFunc(ctx)
}

// ResetSubscriptions delegates to ResetSubscriptionsFunc or panics if not set.
func (s *SessionStub) ResetSubscriptions() {
	if s.ResetSubscriptionsFunc == nil {
		panic("SessionStub.ResetSubscriptions not implemented")
	}
	s.ResetSubscriptionsFunc()
}

// Subscribe delegates to SubscribeFunc or panics if not set.
func (s *SessionStub) Subscribe(ctx context.Context, topic string, l forcestream.MessageListener, cursor int64) error {
	if s.SubscribeFunc == nil {
		panic("SessionStub.Subscribe not implemented")
	}
	return s.SubscribeFunc(ctx, topic, l, cursor)
}

// Unsubscribe delegates to UnsubscribeFunc or panics if not set.
func (s *SessionStub) Unsubscribe(ctx context.Context, topic string, l forcestream.MessageListener) error {
	if s.UnsubscribeFunc == nil {
		panic("SessionStub.Unsubscribe not implemented")
	}
	return s.UnsubscribeFunc(ctx, topic, l)
}

// AddExtension delegates to AddExtensionFunc or panics if not set.
func (s *SessionStub) AddExtension(ext bayeux.Extension) {
	if s.AddExtensionFunc == nil {
		panic("SessionStub.AddExtension not implemented")
	}
	s.AddExtensionFunc(ext)
}

// Close delegates to CloseFunc or panics if not set.
func (s *SessionStub) Close() error {
	if s.CloseFunc == nil {
		panic("SessionStub.Close not implemented")
	}
	return s.CloseFunc()
}

// CredentialsStub is a forcestream.CredentialsSource that issues
// "token-N" credentials, where N counts the refreshes so far. Invalidate
// forces the next call to refresh.
//
// Set Err to make Credentials fail.
type CredentialsStub struct {
	InstanceURL string // default: https://test.my.salesforce.com
	Err         error

	mu          sync.Mutex
	current     *forcestream.Credentials
	refreshes   int
	invalidated int
}

var _ forcestream.CredentialsSource = (*CredentialsStub)(nil)

// Credentials implements forcestream.CredentialsSource.
func (s *CredentialsStub) Credentials(context.Context) (*forcestream.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if s.current == nil {
		s.refreshes++
		instance := s.InstanceURL
		if instance == "" {
			instance = "https://test.my.salesforce.com"
		}
		s.current = &forcestream.Credentials{
			AccessToken: fmt.Sprintf("token-%d", s.refreshes),
			InstanceURL: instance,
			APIVersion:  forcestream.DefaultAPIVersion,
			TokenType:   "Bearer",
			IssuedAt:    time.Now(),
		}
	}
	return s.current, nil
}

// Invalidate implements forcestream.CredentialsSource.
func (s *CredentialsStub) Invalidate() {
	s.mu.Lock()
	s.current = nil
	s.invalidated++
	s.mu.Unlock()
}

// Refreshes returns how many credentials have been issued.
func (s *CredentialsStub) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

// Invalidations returns how many times Invalidate was called.
func (s *CredentialsStub) Invalidations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidated
}
