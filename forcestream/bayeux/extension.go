package bayeux

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Extension observes and decorates messages flowing through a Client.
// Returning false from either method drops the message.
type Extension interface {
	Incoming(msg *Message) bool
	Outgoing(msg *Message) bool
}

// ExceptionObserver is implemented by extensions that want to hear about
// transport failures (network errors, timeouts, bad HTTP statuses).
type ExceptionObserver interface {
	TransportException(err error)
}

// ErrorExtension surfaces connection problems as callbacks.
//
// OnError receives the error text of every unsuccessful meta reply, for
// example "403::Handshake denied". OnException receives transport failures.
// OnMessage receives the JSON of every meta reply. Any callback may be nil.
// Detach disables all callbacks; a detached extension stays installed but
// inert, which lets the owner drop its hooks without racing the connect loop.
type ErrorExtension struct {
	OnError     func(msg string)
	OnException func(err error)
	OnMessage   func(msg string)

	detached atomic.Bool
}

// Incoming implements Extension.
func (e *ErrorExtension) Incoming(msg *Message) bool {
	if e.detached.Load() || !msg.IsMeta() {
		return true
	}
	if e.OnMessage != nil {
		e.OnMessage(msg.JSON())
	}
	if !msg.Successful && msg.Error != "" && e.OnError != nil {
		e.OnError(msg.Error)
	}
	return true
}

// Outgoing implements Extension.
func (e *ErrorExtension) Outgoing(*Message) bool {
	return true
}

// TransportException implements ExceptionObserver.
func (e *ErrorExtension) TransportException(err error) {
	if e.detached.Load() || e.OnException == nil {
		return
	}
	e.OnException(err)
}

// Detach disables all callbacks.
func (e *ErrorExtension) Detach() {
	e.detached.Store(true)
}

// Detached reports whether Detach has been called.
func (e *ErrorExtension) Detached() bool {
	return e.detached.Load()
}

// replayExtensionKey is the ext field CometD servers read replay cursors from.
const replayExtensionKey = "replay"

// ReplayExtension implements the replay extension used by Salesforce
// streaming: the handshake advertises support and every subscribe carries
// the cursor to resume from. Cursors advance as events arrive.
type ReplayExtension struct {
	mu      sync.RWMutex
	cursors map[string]int64
}

// NewReplayExtension creates an empty replay extension.
func NewReplayExtension() *ReplayExtension {
	return &ReplayExtension{cursors: make(map[string]int64)}
}

// Set records the cursor to use for channel's next subscribe.
func (r *ReplayExtension) Set(channel string, replayID int64) {
	r.mu.Lock()
	r.cursors[channel] = replayID
	r.mu.Unlock()
}

// Get returns the current cursor for channel.
func (r *ReplayExtension) Get(channel string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.cursors[channel]
	return id, ok
}

// Forget drops the cursor for channel.
func (r *ReplayExtension) Forget(channel string) {
	r.mu.Lock()
	delete(r.cursors, channel)
	r.mu.Unlock()
}

// Incoming implements Extension. Data messages carrying
// data.event.replayId advance the channel's cursor.
func (r *ReplayExtension) Incoming(msg *Message) bool {
	if msg.IsMeta() || len(msg.Data) == 0 {
		return true
	}
	if id, ok := EventReplayID(msg); ok {
		r.mu.Lock()
		if _, tracked := r.cursors[msg.Channel]; tracked {
			r.cursors[msg.Channel] = id
		}
		r.mu.Unlock()
	}
	return true
}

// Outgoing implements Extension.
func (r *ReplayExtension) Outgoing(msg *Message) bool {
	switch msg.Channel {
	case ChannelHandshake:
		msg.SetExt(replayExtensionKey, true)
	case ChannelSubscribe:
		r.mu.RLock()
		id, ok := r.cursors[msg.Subscription]
		r.mu.RUnlock()
		if ok {
			msg.SetExt(replayExtensionKey, map[string]int64{msg.Subscription: id})
		}
	}
	return true
}

// EventReplayID extracts data.event.replayId from a data message.
func EventReplayID(msg *Message) (int64, bool) {
	var body struct {
		Event *struct {
			ReplayID *int64 `json:"replayId"`
		} `json:"event"`
	}
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		return 0, false
	}
	if body.Event == nil || body.Event.ReplayID == nil {
		return 0, false
	}
	return *body.Event.ReplayID, true
}
