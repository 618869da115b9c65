package forcestream

import "context"

// ReplayStore persists the last delivered replay id per topic so a
// restarted process resumes where it stopped.
// Implementations must be goroutine-safe.
type ReplayStore interface {
	// Load returns the stored cursor for topic, or ErrCursorNotFound.
	Load(ctx context.Context, topic string) (int64, error)

	// Save stores cursor for topic, replacing any previous value.
	Save(ctx context.Context, topic string, cursor int64) error

	// Delete removes the cursor for topic. Deleting a missing cursor is
	// not an error.
	Delete(ctx context.Context, topic string) error

	// Close releases the store's resources.
	Close() error
}
