// Command testserver runs a fake Salesforce org for trying the forcestream
// CLI without a real org. It serves OAuth, CometD streaming and the REST
// endpoints the client uses, and can publish synthetic events.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	fstest "github.com/ahimsalabs/forcestream-go/forcestream/testing"
)

type options struct {
	Port         int           `long:"port" description:"port to listen on" default:"4437"`
	ClientID     string        `long:"client-id" description:"accepted client id; empty accepts any" default:"forcestream"`
	RefreshToken string        `long:"refresh-token" description:"accepted refresh token; empty accepts any"`
	Topic        string        `long:"publish" description:"topic to publish synthetic events on"`
	Interval     time.Duration `long:"interval" description:"delay between synthetic events" default:"2s"`
	RevokeEvery  time.Duration `long:"revoke-every" description:"revoke all access tokens periodically to exercise recovery"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := fstest.NewServer(&fstest.ServerConfig{
		ClientID:     opts.ClientID,
		RefreshToken: opts.RefreshToken,
	})
	if opts.Topic != "" {
		go publishLoop(ctx, server, opts.Topic, opts.Interval, logger)
	}
	if opts.RevokeEvery > 0 {
		go revokeLoop(ctx, server, opts.RevokeEvery, logger)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("fake Salesforce org listening", "addr", srv.Addr, "login_url", fmt.Sprintf("http://localhost:%d", opts.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func publishLoop(ctx context.Context, server *fstest.Server, topic string, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		id, err := server.Publish(topic, map[string]any{
			"Order_Number__c": fmt.Sprintf("A-%d", n),
			"CreatedDate":     time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			logger.Error("publish failed", "error", err)
			continue
		}
		logger.Info("published", "topic", topic, "replay_id", id)
	}
}

func revokeLoop(ctx context.Context, server *fstest.Server, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.RevokeTokens()
			logger.Info("revoked access tokens")
		}
	}
}
