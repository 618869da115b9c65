// Package bayeux implements the client side of the Bayeux protocol over
// HTTP long-polling, as spoken by CometD servers.
//
// The package is deliberately small: a JSON message model, a Transport that
// moves batches of messages, and a Client that drives the handshake/connect
// cycle and dispatches server pushes to channel listeners. Extensions observe
// and decorate traffic in both directions, which is how callers hook
// connection errors and replay cursors without touching the connect loop.
package bayeux

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Meta channel names.
const (
	ChannelHandshake   = "/meta/handshake"
	ChannelConnect     = "/meta/connect"
	ChannelSubscribe   = "/meta/subscribe"
	ChannelUnsubscribe = "/meta/unsubscribe"
	ChannelDisconnect  = "/meta/disconnect"
)

// Protocol constants.
const (
	protocolVersion        = "1.0"
	connectionTypeLongPoll = "long-polling"
)

// Reconnect advice values sent by the server.
const (
	ReconnectRetry     = "retry"
	ReconnectHandshake = "handshake"
	ReconnectNone      = "none"
)

// Advice carries server instructions about how the client should proceed.
type Advice struct {
	Reconnect string `json:"reconnect,omitempty"`
	Interval  int64  `json:"interval,omitempty"` // milliseconds
	Timeout   int64  `json:"timeout,omitempty"`  // milliseconds
}

// Message is a single Bayeux message. Requests and replies share the type;
// unused fields are omitted on the wire.
type Message struct {
	Channel                  string          `json:"channel"`
	ID                       string          `json:"id,omitempty"`
	ClientID                 string          `json:"clientId,omitempty"`
	Version                  string          `json:"version,omitempty"`
	MinimumVersion           string          `json:"minimumVersion,omitempty"`
	SupportedConnectionTypes []string        `json:"supportedConnectionTypes,omitempty"`
	ConnectionType           string          `json:"connectionType,omitempty"`
	Subscription             string          `json:"subscription,omitempty"`
	Successful               bool            `json:"successful,omitempty"`
	Error                    string          `json:"error,omitempty"`
	Advice                   *Advice         `json:"advice,omitempty"`
	Ext                      map[string]any  `json:"ext,omitempty"`
	Data                     json.RawMessage `json:"data,omitempty"`
}

// IsMeta reports whether the message travels on a /meta channel.
func (m *Message) IsMeta() bool {
	return strings.HasPrefix(m.Channel, "/meta/")
}

// SetExt sets an extension field, allocating the map on first use.
func (m *Message) SetExt(key string, value any) {
	if m.Ext == nil {
		m.Ext = make(map[string]any)
	}
	m.Ext[key] = value
}

// JSON returns the wire form of the message, or an empty string if it
// cannot be encoded.
func (m *Message) JSON() string {
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

// MessageListener receives messages published on a subscribed channel.
//
// Listeners are compared by identity when unsubscribing, so implementations
// should be pointer types.
type MessageListener interface {
	OnMessage(channel string, msg *Message)
}

// Comparable reports whether l can be matched by identity. Map, slice and
// func listeners cannot.
func Comparable(l MessageListener) bool {
	t := reflect.TypeOf(l)
	return t == nil || t.Comparable()
}

// SameListener reports whether a and b are the same listener. A listener
// that is not Comparable matches nothing.
func SameListener(a, b MessageListener) bool {
	if reflect.TypeOf(a) != reflect.TypeOf(b) || !Comparable(a) {
		return false
	}
	return a == b
}

func indexListener(ls []MessageListener, l MessageListener) int {
	for i, existing := range ls {
		if SameListener(existing, l) {
			return i
		}
	}
	return -1
}
