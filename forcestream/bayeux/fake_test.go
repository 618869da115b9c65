package bayeux_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ahimsalabs/forcestream-go/forcestream/bayeux"
)

// fakeServer is an in-process CometD server implementing bayeux.Transport.
//
// Scripted replies are consumed before the default behavior, which accepts
// every request. Connects block briefly waiting for published messages.
type fakeServer struct {
	mu         sync.Mutex
	nextClient int
	clientID   string
	subs       map[string]bool
	requests   []*bayeux.Message
	handshakes []*bayeux.Message
	connects   []*bayeux.Message
	errs       []error
	pending    []*bayeux.Message
	wake       chan struct{}
	closed     bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		subs: make(map[string]bool),
		wake: make(chan struct{}, 1),
	}
}

// ScriptHandshake queues a reply for the next handshake.
func (s *fakeServer) ScriptHandshake(reply *bayeux.Message) {
	s.mu.Lock()
	reply.Channel = bayeux.ChannelHandshake
	s.handshakes = append(s.handshakes, reply)
	s.mu.Unlock()
}

// ScriptConnect queues a reply for the next connect.
func (s *fakeServer) ScriptConnect(reply *bayeux.Message) {
	s.mu.Lock()
	reply.Channel = bayeux.ChannelConnect
	s.connects = append(s.connects, reply)
	s.mu.Unlock()
}

// FailNext makes the next Send return err.
func (s *fakeServer) FailNext(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

// Publish delivers a data message on the next connect.
func (s *fakeServer) Publish(channel string, data any) {
	raw, _ := json.Marshal(data)
	s.mu.Lock()
	s.pending = append(s.pending, &bayeux.Message{Channel: channel, Data: raw})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *fakeServer) Subscribed(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[channel]
}

// Requests returns every request on channel.
func (s *fakeServer) Requests(channel string) []*bayeux.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*bayeux.Message
	for _, m := range s.requests {
		if m.Channel == channel {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeServer) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeServer) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeServer) Send(ctx context.Context, msgs []*bayeux.Message) ([]*bayeux.Message, error) {
	s.mu.Lock()
	for _, m := range msgs {
		cp := *m
		s.requests = append(s.requests, &cp)
	}
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	var replies []*bayeux.Message
	for _, m := range msgs {
		switch m.Channel {
		case bayeux.ChannelHandshake:
			replies = append(replies, s.handshake())
		case bayeux.ChannelConnect:
			out, err := s.connect(ctx)
			if err != nil {
				return nil, err
			}
			replies = append(replies, out...)
		case bayeux.ChannelSubscribe:
			s.mu.Lock()
			s.subs[m.Subscription] = true
			s.mu.Unlock()
			replies = append(replies, &bayeux.Message{Channel: m.Channel, ID: m.ID, Subscription: m.Subscription, Successful: true})
		case bayeux.ChannelUnsubscribe:
			s.mu.Lock()
			delete(s.subs, m.Subscription)
			s.mu.Unlock()
			replies = append(replies, &bayeux.Message{Channel: m.Channel, ID: m.ID, Subscription: m.Subscription, Successful: true})
		case bayeux.ChannelDisconnect:
			replies = append(replies, &bayeux.Message{Channel: m.Channel, ID: m.ID, Successful: true})
		}
	}
	return replies, nil
}

func (s *fakeServer) handshake() *bayeux.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handshakes) > 0 {
		reply := s.handshakes[0]
		s.handshakes = s.handshakes[1:]
		return reply
	}
	s.nextClient++
	s.clientID = fmt.Sprintf("client-%d", s.nextClient)
	s.subs = make(map[string]bool)
	return &bayeux.Message{Channel: bayeux.ChannelHandshake, ClientID: s.clientID, Successful: true}
}

func (s *fakeServer) connect(ctx context.Context) ([]*bayeux.Message, error) {
	s.mu.Lock()
	if len(s.connects) > 0 {
		reply := s.connects[0]
		s.connects = s.connects[1:]
		s.mu.Unlock()
		return []*bayeux.Message{reply}, nil
	}
	s.mu.Unlock()

	timer := time.NewTimer(20 * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.wake:
	case <-timer.C:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	replies := []*bayeux.Message{{Channel: bayeux.ChannelConnect, Successful: true}}
	var keep []*bayeux.Message
	for _, m := range s.pending {
		if s.subs[m.Channel] {
			replies = append(replies, m)
		} else {
			keep = append(keep, m)
		}
	}
	s.pending = keep
	return replies, nil
}

// recorder is a MessageListener that keeps what it receives.
type recorder struct {
	mu   sync.Mutex
	msgs []*bayeux.Message
}

func (r *recorder) OnMessage(_ string, msg *bayeux.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) Messages() []*bayeux.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*bayeux.Message(nil), r.msgs...)
}
