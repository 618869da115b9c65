package badgerstore

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// cleanupBatchSize is the number of cursors to delete before checking for shutdown.
const cleanupBatchSize = 100

// runGCLoop runs Badger's value log garbage collection periodically.
func (s *Storage) runGCLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownCtx.Done():
			return
		case <-ticker.C:
			s.runGC()
		}
	}
}

// runGC performs one round of garbage collection.
func (s *Storage) runGC() {
	// One call removes at most one log file, so loop until there is
	// nothing left to rewrite.
	const maxGCIterations = 10
	for i := 0; i < maxGCIterations; i++ {
		select {
		case <-s.shutdownCtx.Done():
			return
		default:
		}

		err := s.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) {
			return
		}
		if err != nil {
			s.logger.Warn("badgerstore: GC error", "error", err)
			return
		}
	}
}

// runCleanupLoop deletes stale cursors periodically.
func (s *Storage) runCleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownCtx.Done():
			return
		case <-ticker.C:
			s.cleanupStaleCursors(s.shutdownCtx)
		}
	}
}

// cleanupStaleCursors finds and deletes cursors older than CursorTTL.
// Called synchronously from runCleanupLoop - only one cleanup runs at a time.
func (s *Storage) cleanupStaleCursors(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	now := s.now()
	var stale []string
	err := s.scan(ctx, func(topic string, rec cursorRecord) {
		if isStale(rec, s.cursorTTL, now) {
			stale = append(stale, topic)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("badgerstore: cleanup scan failed", "error", err)
		return
	}

	deleted := 0
	for _, topic := range stale {
		if deleted > 0 && deleted%cleanupBatchSize == 0 {
			select {
			case <-ctx.Done():
				s.logger.Info("badgerstore: cleanup interrupted by shutdown",
					"deleted", deleted, "remaining", len(stale)-deleted)
				return
			default:
			}
		}

		if err := s.Delete(ctx, topic); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
				s.logger.Info("badgerstore: cleanup interrupted by shutdown",
					"deleted", deleted, "remaining", len(stale)-deleted)
				return
			}
			s.logger.Warn("badgerstore: failed to delete stale cursor", "topic", topic, "error", err)
		} else {
			deleted++
		}
	}

	if deleted > 0 {
		s.logger.Debug("badgerstore: cleanup completed", "deleted", deleted)
	}
}
