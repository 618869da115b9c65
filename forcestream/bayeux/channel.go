package bayeux

import (
	"context"
	"sync"
)

// Channel is a named Bayeux channel. Obtain one with Client.Channel.
type Channel struct {
	client *Client
	name   string

	mu         sync.Mutex
	listeners  []MessageListener
	subscribed bool // server-side subscription is live
}

// Name returns the channel name.
func (ch *Channel) Name() string {
	return ch.name
}

// Listeners returns the number of local listeners.
func (ch *Channel) Listeners() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.listeners)
}

// Subscribe adds l to the channel and, if the server does not yet know about
// the subscription, sends /meta/subscribe. Adding a listener that is already
// present is a no-op locally.
//
// The listener stays registered even when Subscribe fails. If the client is
// not connected yet, Subscribe returns ErrNotConnected and the subscription
// is sent after the next successful handshake.
func (ch *Channel) Subscribe(ctx context.Context, l MessageListener) error {
	ch.mu.Lock()
	if indexListener(ch.listeners, l) < 0 {
		ch.listeners = append(ch.listeners, l)
	}
	needRemote := !ch.subscribed
	ch.mu.Unlock()

	if !needRemote {
		return nil
	}
	if ch.client.State() != StateConnected {
		return ErrNotConnected
	}
	return ch.subscribeRemote(ctx)
}

// Unsubscribe removes l from the channel; a nil l removes every listener.
// When the last listener goes, /meta/unsubscribe is sent.
func (ch *Channel) Unsubscribe(ctx context.Context, l MessageListener) error {
	ch.mu.Lock()
	if l == nil {
		ch.listeners = nil
	} else {
		if i := indexListener(ch.listeners, l); i >= 0 {
			ch.listeners = append(ch.listeners[:i:i], ch.listeners[i+1:]...)
		}
	}
	needRemote := len(ch.listeners) == 0 && ch.subscribed
	if needRemote {
		ch.subscribed = false
	}
	ch.mu.Unlock()

	if !needRemote || ch.client.State() != StateConnected {
		return nil
	}

	replies, err := ch.client.send(ctx, &Message{
		Channel:      ChannelUnsubscribe,
		ClientID:     ch.client.ClientID(),
		Subscription: ch.name,
	})
	if err != nil {
		ch.client.notifyException(err)
		return err
	}
	reply, err := ch.client.handleReplies(replies, ChannelUnsubscribe)
	if err != nil {
		return err
	}
	if !reply.Successful {
		return &MetaError{Channel: ChannelUnsubscribe, Message: reply.Error, Advice: reply.Advice}
	}
	return nil
}

func (ch *Channel) subscribeRemote(ctx context.Context) error {
	replies, err := ch.client.send(ctx, &Message{
		Channel:      ChannelSubscribe,
		ClientID:     ch.client.ClientID(),
		Subscription: ch.name,
	})
	if err != nil {
		ch.client.notifyException(err)
		return err
	}
	reply, err := ch.client.handleReplies(replies, ChannelSubscribe)
	if err != nil {
		return err
	}
	if !reply.Successful {
		return &MetaError{Channel: ChannelSubscribe, Message: reply.Error, Advice: reply.Advice}
	}

	ch.mu.Lock()
	ch.subscribed = len(ch.listeners) > 0
	ch.mu.Unlock()
	return nil
}

func (ch *Channel) snapshot() []MessageListener {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]MessageListener(nil), ch.listeners...)
}

func (ch *Channel) reset() {
	ch.mu.Lock()
	ch.listeners = nil
	ch.subscribed = false
	ch.mu.Unlock()
}
