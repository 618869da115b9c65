// Package badgerstore provides a Badger-backed forcestream.ReplayStore.
//
// Each topic's cursor is stored under "r:{topic}" as a small JSON record
// holding the replay id and the time it was saved. Two background
// goroutines keep the database tidy:
//
//   - Cursors not saved within CursorTTL are deleted, since the server no
//     longer retains the events they point at
//   - Badger's value log GC runs every GCInterval
//
// Single-process only: Badger uses file locking, but no additional fencing
// is performed.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go4org/hashtriemap"

	"github.com/ahimsalabs/forcestream-go/forcestream"
)

// prefixCursor namespaces cursor keys: r:{topic} -> JSON cursorRecord.
const prefixCursor = "r:"

// ErrClosed is returned when operations are attempted on a closed storage.
var ErrClosed = errors.New("badgerstore: storage closed")

// Storage is a Badger-backed forcestream.ReplayStore.
type Storage struct {
	db *badger.DB

	// Last cursor written per topic. Saving the same cursor again skips
	// the write.
	written hashtriemap.HashTrieMap[string, *atomic.Int64]

	cursorTTL       time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
	now             func() time.Time

	// Background goroutine control
	wg             sync.WaitGroup
	shutdownCtx    context.Context    // Cancelled on Close(), signals all background work to stop
	shutdownCancel context.CancelFunc // Called during Close()

	closeOnce sync.Once
	closed    atomic.Bool
}

var _ forcestream.ReplayStore = (*Storage)(nil)

// New opens a Badger-backed cursor store.
func New(opts Options) (*Storage, error) {
	badgerOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory || opts.Dir == "" {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(opts.Logger)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}

	cursorTTL := opts.CursorTTL
	if cursorTTL == 0 {
		cursorTTL = DefaultCursorTTL
	}

	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}

	logger := opts.SLogger
	if logger == nil {
		logger = slog.Default()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	s := &Storage{
		db:              db,
		cursorTTL:       cursorTTL,
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
		now:             now,
		shutdownCtx:     shutdownCtx,
		shutdownCancel:  shutdownCancel,
	}

	gcInterval := opts.GCInterval
	if gcInterval == 0 {
		gcInterval = DefaultGCInterval
	}
	if gcInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runGCLoop(gcInterval)
		}()
	}

	cleanupInterval := opts.CleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	if cleanupInterval > 0 && cursorTTL > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runCleanupLoop(cleanupInterval)
		}()
	}

	return s, nil
}

// Close closes the Badger database and stops background goroutines.
// Waits up to ShutdownTimeout for background goroutines to finish.
// Close is safe to call multiple times - subsequent calls are no-ops.
func (s *Storage) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.shutdownCancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(s.shutdownTimeout):
			s.logger.Warn("badgerstore: shutdown timeout exceeded, proceeding with close",
				"timeout", s.shutdownTimeout)
		}

		closeErr = s.db.Close()
	})

	return closeErr
}

// checkClosed returns ErrClosed if the storage has been closed.
func (s *Storage) checkClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// RunGC runs Badger's value log garbage collection.
// Call this periodically for long-running processes.
func (s *Storage) RunGC() error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return s.db.RunValueLogGC(0.5)
}

func validateTopic(topic string) error {
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("badgerstore: %w", forcestream.ErrInvalidTopic)
	}
	return nil
}

func cursorKey(topic string) []byte {
	return []byte(prefixCursor + topic)
}

// Load returns the stored cursor for topic. Stale cursors are reported as
// forcestream.ErrCursorNotFound even before cleanup removes them.
func (s *Storage) Load(ctx context.Context, topic string) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	if err := validateTopic(topic); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var rec cursorRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cursorKey(topic))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, forcestream.ErrCursorNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("badgerstore: load %s: %w", topic, err)
	}
	if isStale(rec, s.cursorTTL, s.now()) {
		return 0, forcestream.ErrCursorNotFound
	}
	return rec.Cursor, nil
}

// Save stores cursor for topic.
func (s *Storage) Save(ctx context.Context, topic string, cursor int64) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if err := validateTopic(topic); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if last, ok := s.written.Load(topic); ok && last.Load() == cursor {
		return nil
	}

	val, err := json.Marshal(cursorRecord{Cursor: cursor, UpdatedAt: s.now()})
	if err != nil {
		return fmt.Errorf("badgerstore: encode cursor: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cursorKey(topic), val)
	})
	if err != nil {
		return fmt.Errorf("badgerstore: save %s: %w", topic, err)
	}

	last, _ := s.written.LoadOrStore(topic, new(atomic.Int64))
	last.Store(cursor)
	return nil
}

// Delete removes the cursor for topic. Deleting a missing cursor is not an
// error.
func (s *Storage) Delete(ctx context.Context, topic string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if err := validateTopic(topic); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.written.LoadAndDelete(topic)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(cursorKey(topic))
	})
	if err != nil {
		return fmt.Errorf("badgerstore: delete %s: %w", topic, err)
	}
	return nil
}

// All returns every stored cursor that is not stale, keyed by topic.
func (s *Storage) All(ctx context.Context) (map[string]int64, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	now := s.now()
	out := make(map[string]int64)
	err := s.scan(ctx, func(topic string, rec cursorRecord) {
		if !isStale(rec, s.cursorTTL, now) {
			out[topic] = rec.Cursor
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// scan calls fn for every cursor record. Malformed records are logged and
// skipped.
func (s *Storage) scan(ctx context.Context, fn func(topic string, rec cursorRecord)) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixCursor)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefixCursor)); it.ValidForPrefix([]byte(prefixCursor)); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			item := it.Item()
			topic := string(item.Key()[len(prefixCursor):])
			err := item.Value(func(val []byte) error {
				var rec cursorRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					s.logger.Warn("badgerstore: malformed cursor record", "topic", topic, "error", err)
					return nil
				}
				fn(topic, rec)
				return nil
			})
			if err != nil {
				s.logger.Warn("badgerstore: failed to read cursor", "topic", topic, "error", err)
			}
		}
		return nil
	})
}
