package forcestream_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/ahimsalabs/forcestream-go/forcestream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTokenProvider_CachesUntilInvalidated(t *testing.T) {
	var calls atomic.Int32
	auth := forcestream.AuthenticatorFunc(func(context.Context) (*forcestream.Credentials, error) {
		n := calls.Add(1)
		return &forcestream.Credentials{AccessToken: "tok-" + string(rune('0'+n)), InstanceURL: "https://na1.example.com"}, nil
	})
	p := forcestream.NewTokenProvider(auth, &forcestream.TokenProviderOptions{Logger: discardLogger()})
	ctx := context.Background()

	c1, err := p.Credentials(ctx)
	require.NoError(t, err)
	c2, err := p.Credentials(ctx)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, "tok-1", c1.AccessToken)

	p.Invalidate()
	c3, err := p.Credentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", c3.AccessToken)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenProvider_ExpiresAfterTTL(t *testing.T) {
	clock := newFakeClock()
	var calls atomic.Int32
	auth := forcestream.AuthenticatorFunc(func(context.Context) (*forcestream.Credentials, error) {
		calls.Add(1)
		return &forcestream.Credentials{AccessToken: "tok"}, nil
	})
	p := forcestream.NewTokenProvider(auth, &forcestream.TokenProviderOptions{
		TTL:    10 * time.Minute,
		Now:    clock.Now,
		Logger: discardLogger(),
	})
	ctx := context.Background()

	_, _ = p.Credentials(ctx)
	clock.Advance(9 * time.Minute)
	_, _ = p.Credentials(ctx)
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(time.Minute)
	_, _ = p.Credentials(ctx)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenProvider_RetriesThenAuthError(t *testing.T) {
	boom := errors.New("invalid_grant")
	var calls atomic.Int32
	auth := forcestream.AuthenticatorFunc(func(context.Context) (*forcestream.Credentials, error) {
		calls.Add(1)
		return nil, boom
	})

	var mu sync.Mutex
	var delays []time.Duration
	p := forcestream.NewTokenProvider(auth, &forcestream.TokenProviderOptions{
		Retry:        2,
		BackoffPower: 2,
		Logger:       discardLogger(),
		Sleep: func(_ context.Context, d time.Duration) error {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
			return nil
		},
	})

	_, err := p.Credentials(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, forcestream.ErrAuthentication)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays)
}

func TestTokenProvider_ConcurrentRefreshSharesExchange(t *testing.T) {
	var calls atomic.Int32
	auth := forcestream.AuthenticatorFunc(func(context.Context) (*forcestream.Credentials, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return &forcestream.Credentials{AccessToken: "tok"}, nil
	})
	p := forcestream.NewTokenProvider(auth, &forcestream.TokenProviderOptions{Logger: discardLogger()})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Credentials(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestTokenProviderOptionsFromConfig(t *testing.T) {
	cfg := forcestream.DefaultConfig()
	cfg.TokenExpiration = "00:20:00"
	opts := forcestream.TokenProviderOptionsFromConfig(&cfg, nil)
	assert.Equal(t, 3, opts.Retry)
	assert.Equal(t, float64(2), opts.BackoffPower)
	assert.Equal(t, 20*time.Minute, opts.TTL)
}

func TestCredentials_Host(t *testing.T) {
	c := &forcestream.Credentials{InstanceURL: "https://na1.salesforce.com/services/data"}
	host, err := c.Host()
	require.NoError(t, err)
	assert.Equal(t, "https://na1.salesforce.com", host)
}

// tokenServer is a Salesforce-style OAuth token endpoint.
type tokenServer struct {
	mu       sync.Mutex
	forms    []map[string]string
	status   int
	rotateTo string
}

func (s *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	form := map[string]string{}
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	s.mu.Lock()
	s.forms = append(s.forms, form)
	status, rotate := s.status, s.rotateTo
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "expired access/refresh token",
		})
		return
	}
	body := map[string]string{
		"access_token": "00Dxx!access",
		"instance_url": "https://na1.example.com/",
		"id":           "https://login.example.com/id/00Dxx/005xx",
		"token_type":   "Bearer",
		"issued_at":    "1714557600000",
		"signature":    "sig",
	}
	if rotate != "" {
		body["refresh_token"] = rotate
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (s *tokenServer) Forms() []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]string(nil), s.forms...)
}

func oauthConfig(url string) *forcestream.Config {
	cfg := forcestream.DefaultConfig()
	cfg.ClientID = "client"
	cfg.ClientSecret = "secret"
	cfg.RefreshToken = "refresh-1"
	cfg.LoginURL = url
	return &cfg
}

func TestOAuthAuthenticator_Authenticate(t *testing.T) {
	ts := &tokenServer{}
	srv := httptest.NewServer(ts)
	defer srv.Close()

	auth := forcestream.NewOAuthAuthenticator(oauthConfig(srv.URL), srv.Client())
	creds, err := auth.Authenticate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "00Dxx!access", creds.AccessToken)
	assert.Equal(t, "https://na1.example.com", creds.InstanceURL)
	assert.Equal(t, "https://login.example.com/id/00Dxx/005xx", creds.ID)
	assert.Equal(t, "44.0", creds.APIVersion)
	assert.Equal(t, "Bearer", creds.TokenType)
	assert.Equal(t, time.UnixMilli(1714557600000), creds.IssuedAt)

	forms := ts.Forms()
	require.Len(t, forms, 1)
	assert.Equal(t, "refresh_token", forms[0]["grant_type"])
	assert.Equal(t, "refresh-1", forms[0]["refresh_token"])
	assert.Equal(t, "client", forms[0]["client_id"])
	assert.Equal(t, "secret", forms[0]["client_secret"])
}

func TestOAuthAuthenticator_RotatedRefreshToken(t *testing.T) {
	ts := &tokenServer{rotateTo: "refresh-2"}
	srv := httptest.NewServer(ts)
	defer srv.Close()

	auth := forcestream.NewOAuthAuthenticator(oauthConfig(srv.URL), srv.Client())
	_, err := auth.Authenticate(context.Background())
	require.NoError(t, err)
	_, err = auth.Authenticate(context.Background())
	require.NoError(t, err)

	forms := ts.Forms()
	require.Len(t, forms, 2)
	assert.Equal(t, "refresh-2", forms[1]["refresh_token"])
}

func TestOAuthAuthenticator_Rejected(t *testing.T) {
	ts := &tokenServer{status: http.StatusBadRequest}
	srv := httptest.NewServer(ts)
	defer srv.Close()

	auth := forcestream.NewOAuthAuthenticator(oauthConfig(srv.URL), srv.Client())
	_, err := auth.Authenticate(context.Background())
	require.Error(t, err)

	var retrieveErr *oauth2.RetrieveError
	require.True(t, errors.As(err, &retrieveErr))
	assert.Equal(t, "invalid_grant", retrieveErr.ErrorCode)
}

func TestCredentialsFromToken(t *testing.T) {
	tok := (&oauth2.Token{AccessToken: "a"}).WithExtra(map[string]any{
		"instance_url": "https://cs1.example.com",
	})
	creds, err := forcestream.CredentialsFromToken(tok, "50.0")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", creds.TokenType)
	assert.Equal(t, "50.0", creds.APIVersion)

	_, err = forcestream.CredentialsFromToken(&oauth2.Token{AccessToken: "a"}, "50.0")
	assert.ErrorContains(t, err, "instance_url")

	_, err = forcestream.CredentialsFromToken(&oauth2.Token{}, "50.0")
	assert.ErrorContains(t, err, "access_token")
}
