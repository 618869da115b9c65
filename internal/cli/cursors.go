package cli

import (
	"context"
	"errors"
	"slices"

	"github.com/ahimsalabs/forcestream-go/forcestream"
)

// CursorsCmd lists the replay cursors kept by listen --store, or deletes
// some of them so the next listen falls back to --replay.
type CursorsCmd struct {
	Store  string   `long:"store" description:"badger directory used by listen --store" required:"yes"`
	Delete []string `long:"delete" description:"topic whose cursor to delete, repeatable"`
	JSON   bool     `long:"json" description:"print cursors as a JSON object"`

	app *app
}

func (c *CursorsCmd) Execute(_ []string) error {
	store, err := openBadger(c.Store, c.app.logger())
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	if len(c.Delete) > 0 {
		var errs []error
		for _, topic := range c.Delete {
			errs = append(errs, store.Delete(ctx, topic))
		}
		return errors.Join(errs...)
	}

	cursors, err := store.All(ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSON(c.app.stdout, cursors)
	}
	topics := make([]string, 0, len(cursors))
	for topic := range cursors {
		topics = append(topics, topic)
	}
	slices.Sort(topics)
	return writeTable(c.app.stdout, []string{"TOPIC", "CURSOR"}, len(topics), func(i int) []any {
		return []any{topics[i], cursorLabel(cursors[topics[i]])}
	})
}

func cursorLabel(cursor int64) any {
	switch cursor {
	case forcestream.NoReplay:
		return "new"
	case forcestream.ReplayAll:
		return "all"
	}
	return cursor
}
