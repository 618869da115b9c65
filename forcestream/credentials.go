package forcestream

import (
	"context"
	"log/slog"
	"net/url"
	"time"
)

// Credentials is an issued access token and the endpoints it is valid for.
// Credentials are never mutated; a refresh produces a new value.
type Credentials struct {
	AccessToken string
	InstanceURL string // e.g. https://na1.salesforce.com
	APIVersion  string // e.g. 44.0
	TokenType   string // usually Bearer
	ID          string // identity URL of the authenticated user
	IssuedAt    time.Time
}

// Host returns the scheme and host of InstanceURL, dropping any path.
func (c *Credentials) Host() (string, error) {
	u, err := url.Parse(c.InstanceURL)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host, nil
}

// Authenticator exchanges long-lived secrets for Credentials.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Credentials, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context) (*Credentials, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context) (*Credentials, error) {
	return f(ctx)
}

// TokenProviderOptions configures a TokenProvider.
type TokenProviderOptions struct {
	// Retry is the number of retries after a failed exchange.
	// Zero disables retries.
	Retry int

	// BackoffPower is the base of the exponential backoff in seconds.
	// Default: DefaultBackoffPower.
	BackoffPower float64

	// TTL is how long an issued token is trusted. Default: DefaultTokenExpiration.
	TTL time.Duration

	// SafetyMargin is passed to the underlying ExpiringLazy.
	SafetyMargin time.Duration

	// RefreshTimeout bounds one refresh including its retries.
	// Default: DefaultRefreshTimeout.
	RefreshTimeout time.Duration

	// Logger receives retry and refresh logs. Default: slog.Default().
	Logger *slog.Logger

	// Now and Sleep replace the clock in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// TokenProviderOptionsFromConfig derives provider options from cfg.
func TokenProviderOptionsFromConfig(cfg *Config, logger *slog.Logger) *TokenProviderOptions {
	return &TokenProviderOptions{
		Retry:        cfg.Retry,
		BackoffPower: cfg.BackoffPower,
		TTL:          cfg.TokenTTL(),
		Logger:       logger,
	}
}

// TokenProvider hands out cached Credentials, refreshing them through an
// Authenticator when they expire or are invalidated.
type TokenProvider struct {
	cache  *ExpiringLazy[*Credentials]
	logger *slog.Logger
}

// NewTokenProvider creates a provider backed by auth.
// Pass nil for opts to use defaults (no retries).
func NewTokenProvider(auth Authenticator, opts *TokenProviderOptions) *TokenProvider {
	var o TokenProviderOptions
	if opts != nil {
		o = *opts
	}
	if o.BackoffPower <= 0 {
		o.BackoffPower = DefaultBackoffPower
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTokenExpiration
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	p := &TokenProvider{logger: o.Logger}

	pipeline := Pipeline{{
		Name:        "authenticate",
		ShouldRetry: func(error) bool { return true },
		MaxRetries:  o.Retry,
		Backoff:     ExponentialBackoff(o.BackoffPower, 0),
		OnRetry:     LogRetries(o.Logger),
		Sleep:       o.Sleep,
		Exhausted: func(_ context.Context, _ int, err error) error {
			return &AuthError{Op: "authenticate", Err: err}
		},
	}}

	factory := func(ctx context.Context) (ExpiringValue[*Credentials], error) {
		ctx = WithOperation(ctx, "Authenticate")
		creds, err := Do(ctx, pipeline, auth.Authenticate)
		if err != nil {
			o.Logger.ErrorContext(ctx, "token refresh failed", "error", err)
			return ExpiringValue[*Credentials]{}, err
		}
		o.Logger.DebugContext(ctx, "token refreshed", "instance_url", creds.InstanceURL)
		return ExpiringValue[*Credentials]{
			Value:      creds,
			ValidUntil: o.Now().Add(o.TTL),
		}, nil
	}

	p.cache = NewExpiringLazy(factory, &ExpiringLazyOptions{
		SafetyMargin:   o.SafetyMargin,
		RefreshTimeout: o.RefreshTimeout,
		Now:            o.Now,
	})
	return p
}

// Credentials returns valid credentials, refreshing them if needed.
func (p *TokenProvider) Credentials(ctx context.Context) (*Credentials, error) {
	return p.cache.Value(ctx)
}

// Invalidate forces the next Credentials call to refresh.
func (p *TokenProvider) Invalidate() {
	p.logger.Debug("credentials invalidated")
	p.cache.Invalidate()
}
