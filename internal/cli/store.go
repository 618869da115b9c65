package cli

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ahimsalabs/forcestream-go/forcestream"
	"github.com/ahimsalabs/forcestream-go/forcestream/memorystorage"
	"github.com/ahimsalabs/forcestream-go/storage/badgerstore"
)

// openStore opens the badger store in dir, or an in-memory store when dir
// is empty.
func openStore(dir string, logger *slog.Logger) (forcestream.ReplayStore, error) {
	if dir == "" {
		return memorystorage.New(), nil
	}
	store, err := openBadger(dir, logger)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func openBadger(dir string, logger *slog.Logger) (*badgerstore.Storage, error) {
	store, err := badgerstore.New(badgerstore.Options{
		Dir:     dir,
		Logger:  badgerLogger{logger.With("component", "badger")},
		SLogger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open cursor store %s: %w", dir, err)
	}
	return store, nil
}

// badgerLogger routes badger's printf-style logs into slog. Info goes to
// debug; badger is chatty on open and close.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(trimLine(format, args))
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(trimLine(format, args))
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.l.Debug(trimLine(format, args))
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(trimLine(format, args))
}

func trimLine(format string, args []any) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}
