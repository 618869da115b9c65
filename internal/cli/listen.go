package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ahimsalabs/forcestream-go/forcestream"
	"github.com/ahimsalabs/forcestream-go/forcestream/bayeux"
)

// ListenCmd subscribes to topics and writes every event to stdout as one
// JSON line.
type ListenCmd struct {
	Topics           []string      `short:"t" long:"topic" description:"topic to subscribe, repeatable; defaults to the config topics"`
	Replay           string        `long:"replay" description:"cursor for topics without a stored cursor: new, all or a replay id"`
	Store            string        `long:"store" description:"badger directory that keeps replay cursors across runs"`
	MaxEvents        int           `long:"max-events" description:"exit after this many events; 0 runs until interrupted"`
	HandshakeTimeout time.Duration `long:"handshake-timeout" description:"how long to wait for the connection" default:"30s"`

	app *app
}

func (c *ListenCmd) Execute(_ []string) error {
	cfg, err := c.app.validConfig()
	if err != nil {
		return err
	}
	topics := c.Topics
	if len(topics) == 0 {
		topics = cfg.Topics
	}
	if len(topics) == 0 {
		return errors.New("no topics: pass --topic or set topics in the config")
	}
	fallback := cfg.ReplayID
	if c.Replay != "" {
		if fallback, err = parseReplay(c.Replay); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.listen(ctx, cfg, topics, fallback)
}

func (c *ListenCmd) listen(ctx context.Context, cfg *forcestream.Config, topics []string, fallback int64) error {
	logger := c.app.logger()

	store, err := openStore(c.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	out := newEventPrinter(c.app.stdout, c.MaxEvents, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The strategy runs while a reply is being handled, so rejected
	// cursors are queued and restarted once the client exists.
	rejected := newRejections(logger)
	client, err := forcestream.NewStreamingClient(ctx, c.app.tokenProvider(cfg, logger), cfg, &forcestream.StreamingOptions{
		HTTPClient:     c.app.httpClient,
		ReplayStore:    store,
		Logger:         logger,
		ReplayStrategy: rejected.push,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		rejected.drain(ctx, func(cursor int64) {
			restartRejected(ctx, client, store, out, cursor, logger)
		})
	}()
	defer func() {
		cancel()
		<-drained
	}()

	client.OnReconnect(func(sc *forcestream.StreamingClient, _ bool) {
		logger.Info("reconnected, restoring subscriptions")
		if err := sc.Resubscribe(); err != nil {
			logger.Error("resubscribe failed", "error", err)
		}
	})
	client.OnError(func(err error) {
		logger.Warn("streaming error", "error", err)
	})

	if err := client.Handshake(c.HandshakeTimeout); err != nil {
		return err
	}
	if !client.IsConnected() {
		logger.Warn("not connected yet, subscriptions will follow the handshake", "timeout", c.HandshakeTimeout)
	}

	for _, topic := range topics {
		cursor := client.ResumeCursor(ctx, topic, fallback)
		err := client.SubscribeTopic(topic, out, cursor)
		var metaErr *bayeux.MetaError
		switch {
		case errors.As(err, &metaErr):
			// Rejected cursors are retried by the replay strategy.
			logger.Warn("subscribe rejected", "topic", topic, "cursor", cursor, "error", err)
		case err != nil:
			return err
		default:
			logger.Info("listening", "topic", topic, "cursor", cursor)
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-out.Done():
	}
	if err := client.Disconnect(c.HandshakeTimeout); err != nil {
		logger.Warn("disconnect failed", "error", err)
	}
	return nil
}

// rejections queues cursors the server rejected.
type rejections struct {
	logger *slog.Logger
	ch     chan int64
}

func newRejections(logger *slog.Logger) *rejections {
	return &rejections{logger: logger, ch: make(chan int64, 16)}
}

// push queues cursor without blocking; it is dropped when the queue is full.
func (r *rejections) push(cursor int64) {
	select {
	case r.ch <- cursor:
	default:
		r.logger.Warn("rejected cursor queue full, dropping", "cursor", cursor)
	}
}

// drain calls restart for each queued cursor until ctx is done.
func (r *rejections) drain(ctx context.Context, restart func(cursor int64)) {
	for {
		select {
		case <-ctx.Done():
			return
		case cursor := <-r.ch:
			restart(cursor)
		}
	}
}

// restartRejected resubscribes topics whose cursor the server rejected so
// they receive new events, and forgets their stored cursor.
func restartRejected(ctx context.Context, client *forcestream.StreamingClient, store forcestream.ReplayStore, l forcestream.MessageListener, cursor int64, logger *slog.Logger) {
	for _, sub := range client.Registry().Snapshot() {
		if sub.Cursor != cursor {
			continue
		}
		if err := store.Delete(ctx, sub.Topic); err != nil {
			logger.Warn("delete replay cursor failed", "topic", sub.Topic, "error", err)
		}
		if err := client.SubscribeTopic(sub.Topic, l, forcestream.NoReplay); err != nil {
			logger.Error("resubscribe without replay failed", "topic", sub.Topic, "error", err)
			continue
		}
		logger.Info("resubscribed for new events only", "topic", sub.Topic, "rejected", cursor)
	}
}

// eventLine is one line of listen output.
type eventLine struct {
	Topic    string          `json:"topic"`
	ReplayID int64           `json:"replayId"`
	Data     json.RawMessage `json:"data"`
}

// eventPrinter writes events as JSON lines and signals Done after max
// events when max is positive.
type eventPrinter struct {
	logger *slog.Logger
	max    int

	mu    sync.Mutex
	enc   *json.Encoder
	count int

	done     chan struct{}
	doneOnce sync.Once
}

func newEventPrinter(w io.Writer, max int, logger *slog.Logger) *eventPrinter {
	return &eventPrinter{
		logger: logger,
		max:    max,
		enc:    json.NewEncoder(w),
		done:   make(chan struct{}),
	}
}

func (p *eventPrinter) OnMessage(channel string, msg *bayeux.Message) {
	line := eventLine{Topic: channel, Data: msg.Data}
	if env, err := forcestream.DecodeMessage[json.RawMessage](msg); err == nil {
		line.ReplayID = env.ReplayID()
	} else {
		p.logger.Debug("event without envelope", "topic", channel, "error", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.max > 0 && p.count >= p.max {
		return
	}
	if err := p.enc.Encode(line); err != nil {
		p.logger.Error("write event failed", "error", err)
		return
	}
	p.count++
	if p.max > 0 && p.count >= p.max {
		p.doneOnce.Do(func() { close(p.done) })
	}
}

// Done is closed once max events have been written.
func (p *eventPrinter) Done() <-chan struct{} {
	return p.done
}

// Count returns the number of events written.
func (p *eventPrinter) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}
