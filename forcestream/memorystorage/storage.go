// Package memorystorage provides an in-memory implementation of
// forcestream.ReplayStore.
package memorystorage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/go4org/hashtriemap"

	"github.com/ahimsalabs/forcestream-go/forcestream"
)

// ErrClosed is returned when operations are attempted on a closed storage.
var ErrClosed = errors.New("memorystorage: storage closed")

// Storage is an in-memory forcestream.ReplayStore.
// Uses hashtriemap for lock-free topic lookups with an atomic cursor per topic.
type Storage struct {
	cursors hashtriemap.HashTrieMap[string, *atomic.Int64]
	closed  atomic.Bool
}

var _ forcestream.ReplayStore = (*Storage)(nil)

// New creates a new in-memory storage instance.
func New() *Storage {
	return &Storage{}
}

func (m *Storage) check(ctx context.Context, topic string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("memorystorage: %w", forcestream.ErrInvalidTopic)
	}
	return ctx.Err()
}

// Load returns the stored cursor for topic, or forcestream.ErrCursorNotFound.
func (m *Storage) Load(ctx context.Context, topic string) (int64, error) {
	if err := m.check(ctx, topic); err != nil {
		return 0, err
	}
	cursor, ok := m.cursors.Load(topic)
	if !ok {
		return 0, forcestream.ErrCursorNotFound
	}
	return cursor.Load(), nil
}

// Save stores cursor for topic.
func (m *Storage) Save(ctx context.Context, topic string, cursor int64) error {
	if err := m.check(ctx, topic); err != nil {
		return err
	}
	v, _ := m.cursors.LoadOrStore(topic, new(atomic.Int64))
	v.Store(cursor)
	return nil
}

// Delete removes the cursor for topic.
func (m *Storage) Delete(ctx context.Context, topic string) error {
	if err := m.check(ctx, topic); err != nil {
		return err
	}
	m.cursors.LoadAndDelete(topic)
	return nil
}

// All returns a copy of every stored cursor, keyed by topic.
func (m *Storage) All() map[string]int64 {
	out := make(map[string]int64)
	m.cursors.Range(func(topic string, cursor *atomic.Int64) bool {
		out[topic] = cursor.Load()
		return true
	})
	return out
}

// Close marks the storage closed. Stored cursors are discarded with it.
func (m *Storage) Close() error {
	m.closed.Store(true)
	return nil
}
