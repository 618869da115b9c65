package forcestream

import (
	"slices"
	"strings"
	"sync"

	"github.com/go4org/hashtriemap"

	"github.com/ahimsalabs/forcestream-go/forcestream/bayeux"
)

// Replay cursor values with special meaning to the server.
const (
	// NoReplay receives only events published after the subscription.
	NoReplay int64 = -1

	// ReplayAll receives every event still retained by the server.
	ReplayAll int64 = -2
)

// MessageListener receives events for a subscribed topic.
// Re-exported from the bayeux package.
//
// Listeners are matched by identity, so implementations should be
// pointer types. SubscribeTopic rejects listeners that cannot be compared.
type MessageListener = bayeux.MessageListener

func sameAs(l MessageListener) func(MessageListener) bool {
	return func(existing MessageListener) bool {
		return bayeux.SameListener(existing, l)
	}
}

// Subscription is a registry entry: a topic, its listeners, and the replay
// cursor the next subscribe should resume from.
type Subscription struct {
	Topic     string
	Cursor    int64
	Listeners []MessageListener
}

type topicEntry struct {
	mu        sync.Mutex
	cursor    int64
	listeners []MessageListener
	removed   bool
}

// Registry tracks subscriptions independently of any live session, so they
// can be re-issued after the connection is rebuilt.
//
// Uses hashtriemap for lock-free topic lookups with per-topic locks for
// mutations. Listeners are owned by the caller; the registry only holds
// references.
type Registry struct {
	topics hashtriemap.HashTrieMap[string, *topicEntry]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers l on topic and sets the topic's replay cursor. Adding a
// listener that is already registered replaces its entry.
func (r *Registry) Add(topic string, l MessageListener, cursor int64) {
	for {
		entry, _ := r.topics.LoadOrStore(topic, &topicEntry{cursor: cursor})
		entry.mu.Lock()
		if entry.removed {
			// Lost a race with removal; the next LoadOrStore creates a
			// fresh entry.
			entry.mu.Unlock()
			continue
		}
		if i := slices.IndexFunc(entry.listeners, sameAs(l)); i >= 0 {
			entry.listeners[i] = l
		} else {
			entry.listeners = append(entry.listeners, l)
		}
		entry.cursor = cursor
		entry.mu.Unlock()
		return
	}
}

// Remove unregisters l from topic. It reports whether l was registered.
// The topic entry is dropped with its last listener.
func (r *Registry) Remove(topic string, l MessageListener) bool {
	entry, ok := r.topics.Load(topic)
	if !ok {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return false
	}
	i := slices.IndexFunc(entry.listeners, sameAs(l))
	if i < 0 {
		return false
	}
	entry.listeners = slices.Delete(entry.listeners, i, i+1)
	if len(entry.listeners) == 0 {
		entry.removed = true
		r.topics.LoadAndDelete(topic)
	}
	return true
}

// RemoveAll drops topic with every listener. It reports whether the topic
// was registered.
func (r *Registry) RemoveAll(topic string) bool {
	entry, ok := r.topics.LoadAndDelete(topic)
	if !ok {
		return false
	}
	entry.mu.Lock()
	entry.removed = true
	entry.mu.Unlock()
	return true
}

// Get returns the subscription for topic.
func (r *Registry) Get(topic string) (Subscription, bool) {
	entry, ok := r.topics.Load(topic)
	if !ok {
		return Subscription{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return Subscription{}, false
	}
	return Subscription{
		Topic:     topic,
		Cursor:    entry.cursor,
		Listeners: slices.Clone(entry.listeners),
	}, true
}

// UpdateCursor advances topic's replay cursor. It reports whether the
// topic is registered.
func (r *Registry) UpdateCursor(topic string, cursor int64) bool {
	entry, ok := r.topics.Load(topic)
	if !ok {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return false
	}
	entry.cursor = cursor
	return true
}

// Snapshot returns every subscription, ordered by topic.
func (r *Registry) Snapshot() []Subscription {
	var subs []Subscription
	r.topics.Range(func(topic string, entry *topicEntry) bool {
		entry.mu.Lock()
		if !entry.removed {
			subs = append(subs, Subscription{
				Topic:     topic,
				Cursor:    entry.cursor,
				Listeners: slices.Clone(entry.listeners),
			})
		}
		entry.mu.Unlock()
		return true
	})
	slices.SortFunc(subs, func(a, b Subscription) int {
		return strings.Compare(a.Topic, b.Topic)
	})
	return subs
}

// Len returns the number of registered topics.
func (r *Registry) Len() int {
	n := 0
	r.topics.Range(func(string, *topicEntry) bool {
		n++
		return true
	})
	return n
}
