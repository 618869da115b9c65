package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/ahimsalabs/forcestream-go/forcestream"
)

// tokenScopes are requested by get-tokens. refresh_token and
// offline_access make the server issue a refresh token.
var tokenScopes = []string{"api", "refresh_token", "offline_access"}

// TokensCmd runs the web server OAuth flow: it serves the redirect URI on
// localhost, sends the user to the authorization page and exchanges the
// returned code for tokens.
type TokensCmd struct {
	Port      int           `long:"port" description:"local callback port; 0 picks a free port" default:"0"`
	Timeout   time.Duration `long:"timeout" description:"how long to wait for the browser callback" default:"5m"`
	NoBrowser bool          `long:"no-browser" description:"print the authorization URL without opening a browser"`

	app *app
}

type callbackResult struct {
	code string
	err  error
}

func (c *TokensCmd) Execute(_ []string) error {
	cfg, err := c.app.config()
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return errors.New("invalid config: clientId is required")
	}
	logger := c.app.logger()

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", c.Port))
	if err != nil {
		return fmt.Errorf("listen for callback: %w", err)
	}
	redirectURL := fmt.Sprintf("http://localhost:%d/", ln.Addr().(*net.TCPAddr).Port)

	conf := forcestream.OAuth2Config(cfg, redirectURL)
	conf.Scopes = tokenScopes
	state := uuid.NewString()

	results := make(chan callbackResult, 1)
	srv := &http.Server{
		Handler:           callbackHandler(state, results),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case results <- callbackResult{err: err}:
			default:
			}
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	authURL := conf.AuthCodeURL(state)
	fmt.Fprintf(c.app.stdout, "Open this URL to authenticate:\n%s\n\n", authURL)
	fmt.Fprintf(c.app.stdout, "Waiting for callback at %s ...\n", redirectURL)
	if !c.NoBrowser && c.app.openURL != nil {
		if err := c.app.openURL(authURL); err != nil {
			logger.Warn("could not open browser", "error", err)
		}
	}

	var res callbackResult
	select {
	case res = <-results:
	case <-time.After(c.Timeout):
		return fmt.Errorf("no callback within %s", c.Timeout)
	}
	if res.err != nil {
		return res.err
	}
	logger.Debug("authorization code received; it expires in 15 minutes")

	ctx := context.Background()
	if c.app.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.app.httpClient)
	}
	tok, err := conf.Exchange(ctx, res.code)
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}
	creds, err := forcestream.CredentialsFromToken(tok, cfg.APIVersion)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.app.stdout, "\ninstance_url  = %s\n", creds.InstanceURL)
	fmt.Fprintf(c.app.stdout, "access_token  = %s\n", creds.AccessToken)
	if tok.RefreshToken == "" {
		fmt.Fprintln(c.app.stdout, "refresh_token was not issued; check the connected app's scopes")
		return nil
	}
	fmt.Fprintf(c.app.stdout, "refresh_token = %s\n", tok.RefreshToken)
	return nil
}

// callbackHandler accepts the first redirect carrying state and reports its
// code or error on results.
func callbackHandler(state string, results chan<- callbackResult) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		var res callbackResult
		switch {
		case q.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		case q.Get("error") != "":
			res.err = fmt.Errorf("authorization failed: %s: %s", q.Get("error"), q.Get("error_description"))
		case q.Get("code") == "":
			res.err = fmt.Errorf("malformed authorization response: %s", r.URL.RawQuery)
		default:
			res.code = q.Get("code")
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body>Please return to the console to retrieve access and refresh tokens.</body></html>")
		select {
		case results <- res:
		default:
		}
	})
}

func openBrowser(u string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", u)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", u)
	default:
		cmd = exec.Command("xdg-open", u)
	}
	return cmd.Start()
}
