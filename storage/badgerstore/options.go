package badgerstore

import (
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Default configuration values.
const (
	DefaultCursorTTL       = 72 * time.Hour   // Longest event retention Salesforce offers
	DefaultGCInterval      = 5 * time.Minute  // Run value log GC every 5 minutes
	DefaultCleanupInterval = 10 * time.Minute // Check for stale cursors every 10 minutes
	DefaultShutdownTimeout = 30 * time.Second // Max wait for graceful shutdown
)

// Options configures the Badger cursor store.
type Options struct {
	// Dir is the directory for Badger data files.
	// If empty, uses in-memory mode (for testing).
	Dir string

	// InMemory runs Badger in memory-only mode.
	InMemory bool

	// Logger for Badger. If nil, uses default (logs to stderr).
	Logger badger.Logger

	// SLogger is a structured logger for badgerstore operations.
	// If nil, uses slog.Default().
	SLogger *slog.Logger

	// CursorTTL is how long a cursor stays usable after its last Save.
	// The server stops retaining events after a while, so resuming from an
	// older cursor would be rejected anyway.
	// Default: 72 hours. Set to -1 to keep cursors forever.
	CursorTTL time.Duration

	// GCInterval is how often to run Badger's value log GC.
	// Default: 5 minutes. Set to -1 to disable.
	GCInterval time.Duration

	// CleanupInterval is how often to scan for and delete stale cursors.
	// Default: 10 minutes. Set to -1 to disable.
	CleanupInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for background goroutines
	// to finish during Close(). Default: 30 seconds. Set to 0 to use default.
	ShutdownTimeout time.Duration

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// cursorRecord is the stored form of a cursor.
type cursorRecord struct {
	Cursor    int64     `json:"cursor"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// isStale reports whether rec is older than ttl at now. A negative ttl
// never expires.
func isStale(rec cursorRecord, ttl time.Duration, now time.Time) bool {
	return ttl >= 0 && now.Sub(rec.UpdatedAt) >= ttl
}
