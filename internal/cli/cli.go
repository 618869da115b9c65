// Package cli implements the forcestream command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/ahimsalabs/forcestream-go/forcestream"
	"github.com/ahimsalabs/forcestream-go/forcestream/force"
)

// app carries what commands need besides their own flags.
type app struct {
	opts   *Options
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string

	// httpClient is used for every outbound request. nil means
	// http.DefaultClient.
	httpClient *http.Client

	// openURL shows the authorization URL to the user.
	openURL func(string) error
}

func defaultApp() *app {
	return &app{
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		getenv:  os.Getenv,
		openURL: openBrowser,
	}
}

// Run parses args, executes the selected command and returns the process
// exit code.
func Run(args []string) int {
	return run(args, defaultApp())
}

func run(args []string, a *app) int {
	opts := &Options{}
	opts.Init(a)

	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "forcestream"
	if _, err := parser.ParseArgs(args); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			fmt.Fprintln(a.stdout, flagErr.Message)
			return 0
		}
		fmt.Fprintf(a.stderr, "forcestream: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) logger() *slog.Logger {
	level := slog.LevelInfo
	if a.opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))
}

// validConfig loads the configuration and checks it for commands that talk
// to the org.
func (a *app) validConfig() (*forcestream.Config, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (a *app) tokenProvider(cfg *forcestream.Config, logger *slog.Logger) *forcestream.TokenProvider {
	return forcestream.NewTokenProvider(
		forcestream.NewOAuthAuthenticator(cfg, a.httpClient),
		forcestream.TokenProviderOptionsFromConfig(cfg, logger),
	)
}

func (a *app) restClient() (*force.ResilientClient, error) {
	cfg, err := a.validConfig()
	if err != nil {
		return nil, err
	}
	logger := a.logger()
	opts := force.ResilientOptionsFromConfig(cfg, logger)
	opts.ClientFactory = force.Factory(&force.ClientConfig{HTTPClient: a.httpClient})
	return force.NewResilientClient(a.tokenProvider(cfg, logger), opts), nil
}
