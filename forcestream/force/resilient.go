package force

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/ahimsalabs/forcestream-go/forcestream"
)

// Policy names reported in retry logs.
const (
	PolicyReauthenticate = "reauthenticate"
	PolicyWaitAndRetry   = "wait-and-retry"
)

// DefaultJitter is the upper bound of the random delay added to each
// transient retry.
const DefaultJitter = 100 * time.Millisecond

// ClientFactory builds an API handle for creds.
type ClientFactory func(creds *forcestream.Credentials) API

// ResilientOptions configures a ResilientClient.
type ResilientOptions struct {
	// Retry is the number of retries for each policy. Zero disables retries.
	Retry int

	// BackoffPower is the base of the exponential backoff in seconds.
	// Default: forcestream.DefaultBackoffPower.
	BackoffPower float64

	// Jitter bounds the random delay added to transient retries.
	// Default: DefaultJitter.
	Jitter time.Duration

	// RequestsPerSecond limits attempts client-side. Zero means unlimited.
	RequestsPerSecond float64

	// ClientFactory builds the API handle for each attempt.
	// Default: Factory(nil).
	ClientFactory ClientFactory

	// Logger receives retry logs. Default: slog.Default().
	Logger *slog.Logger

	// Sleep replaces the backoff wait in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// ResilientOptionsFromConfig derives options from cfg.
func ResilientOptionsFromConfig(cfg *forcestream.Config, logger *slog.Logger) *ResilientOptions {
	return &ResilientOptions{
		Retry:             cfg.Retry,
		BackoffPower:      cfg.BackoffPower,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Logger:            logger,
	}
}

// ResilientClient calls the REST API through two retry policies.
//
// The outer policy handles rejected access tokens: it invalidates the
// cached credentials and retries, and reports *forcestream.AuthError once
// its retries are used. The inner policy retries network failures, server
// errors and rate limiting with exponential backoff and jitter, and reports
// *forcestream.TransientError once its retries are used.
//
// Every attempt fetches credentials from the token source and builds a new
// API handle, so a refreshed token takes effect immediately.
type ResilientClient struct {
	tokens   forcestream.CredentialsSource
	factory  ClientFactory
	limiter  *rate.Limiter
	pipeline forcestream.Pipeline
	logger   *slog.Logger
}

// NewResilientClient creates a client. Pass nil for opts to use defaults.
func NewResilientClient(tokens forcestream.CredentialsSource, opts *ResilientOptions) *ResilientClient {
	var o ResilientOptions
	if opts != nil {
		o = *opts
	}
	if o.BackoffPower <= 0 {
		o.BackoffPower = forcestream.DefaultBackoffPower
	}
	if o.Jitter <= 0 {
		o.Jitter = DefaultJitter
	}
	if o.ClientFactory == nil {
		o.ClientFactory = Factory(nil)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	r := &ResilientClient{
		tokens:  tokens,
		factory: o.ClientFactory,
		logger:  o.Logger,
	}
	if o.RequestsPerSecond > 0 {
		burst := max(1, int(o.RequestsPerSecond))
		r.limiter = rate.NewLimiter(rate.Limit(o.RequestsPerSecond), burst)
	}

	logRetry := forcestream.LogRetries(o.Logger)
	r.pipeline = forcestream.Pipeline{
		{
			Name:        PolicyReauthenticate,
			ShouldRetry: IsInvalidSession,
			MaxRetries:  o.Retry,
			OnRetry: func(ctx context.Context, ev forcestream.RetryEvent) error {
				r.tokens.Invalidate()
				return logRetry(ctx, ev)
			},
			Exhausted: func(ctx context.Context, _ int, err error) error {
				return &forcestream.AuthError{Op: forcestream.OperationName(ctx), Err: err}
			},
			Sleep: o.Sleep,
		},
		{
			Name:        PolicyWaitAndRetry,
			ShouldRetry: IsTransient,
			MaxRetries:  o.Retry,
			Backoff:     forcestream.ExponentialBackoff(o.BackoffPower, o.Jitter),
			OnRetry:     logRetry,
			Exhausted: func(ctx context.Context, attempts int, err error) error {
				return &forcestream.TransientError{Op: forcestream.OperationName(ctx), Attempts: attempts, Err: err}
			},
			Sleep: o.Sleep,
		},
	}
	return r
}

// execute runs fn through the pipeline with a fresh API handle per attempt.
func execute[T any](ctx context.Context, r *ResilientClient, op string, fn func(context.Context, API) (T, error)) (T, error) {
	ctx = forcestream.WithOperation(ctx, op)
	ctx = forcestream.WithCallID(ctx, forcestream.CallID(ctx))

	start := time.Now()
	out, err := forcestream.Do(ctx, r.pipeline, func(ctx context.Context) (T, error) {
		var zero T
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return zero, err
			}
		}
		creds, err := r.tokens.Credentials(ctx)
		if err != nil {
			return zero, err
		}
		return fn(ctx, r.factory(creds))
	})

	if err != nil {
		r.logger.DebugContext(ctx, "force call failed",
			"op", op,
			"call_id", forcestream.CallID(ctx),
			"duration", time.Since(start),
			"error", err,
		)
	} else {
		r.logger.DebugContext(ctx, "force call",
			"op", op,
			"call_id", forcestream.CallID(ctx),
			"duration", time.Since(start),
		)
	}
	return out, err
}

// executeErr is execute for calls without a result.
func executeErr(ctx context.Context, r *ResilientClient, op string, fn func(context.Context, API) error) error {
	_, err := execute(ctx, r, op, func(ctx context.Context, api API) (struct{}, error) {
		return struct{}{}, fn(ctx, api)
	})
	return err
}

// CountQuery runs a COUNT() query.
func (r *ResilientClient) CountQuery(ctx context.Context, soql string, queryAll bool) (int, error) {
	return execute(ctx, r, "CountQuery", func(ctx context.Context, api API) (int, error) {
		return api.CountQuery(ctx, soql, queryAll)
	})
}

// Query runs soql and decodes every record into dst, a pointer to a slice.
func (r *ResilientClient) Query(ctx context.Context, soql string, queryAll bool, dst any) error {
	return executeErr(ctx, r, "Query", func(ctx context.Context, api API) error {
		return api.Query(ctx, soql, queryAll, dst)
	})
}

// QuerySingle runs soql and decodes its only record into dst.
func (r *ResilientClient) QuerySingle(ctx context.Context, soql string, queryAll bool, dst any) error {
	return executeErr(ctx, r, "QuerySingle", func(ctx context.Context, api API) error {
		return api.QuerySingle(ctx, soql, queryAll, dst)
	})
}

// CreateRecord inserts record as objectType.
func (r *ResilientClient) CreateRecord(ctx context.Context, objectType string, record any, headers map[string]string) (*CreateResponse, error) {
	return execute(ctx, r, "CreateRecord", func(ctx context.Context, api API) (*CreateResponse, error) {
		return api.CreateRecord(ctx, objectType, record, headers)
	})
}

// UpdateRecord patches the record with id.
func (r *ResilientClient) UpdateRecord(ctx context.Context, objectType, id string, record any, headers map[string]string) error {
	return executeErr(ctx, r, "UpdateRecord", func(ctx context.Context, api API) error {
		return api.UpdateRecord(ctx, objectType, id, record, headers)
	})
}

// InsertOrUpdateRecord upserts record keyed by an external id field.
func (r *ResilientClient) InsertOrUpdateRecord(ctx context.Context, objectType, field, value string, record any, headers map[string]string) (*CreateResponse, error) {
	return execute(ctx, r, "InsertOrUpdateRecord", func(ctx context.Context, api API) (*CreateResponse, error) {
		return api.InsertOrUpdateRecord(ctx, objectType, field, value, record, headers)
	})
}

// DeleteRecord deletes the record with id.
func (r *ResilientClient) DeleteRecord(ctx context.Context, objectType, id string) error {
	return executeErr(ctx, r, "DeleteRecord", func(ctx context.Context, api API) error {
		return api.DeleteRecord(ctx, objectType, id)
	})
}

// GetObjectByID fetches one record into dst.
func (r *ResilientClient) GetObjectByID(ctx context.Context, objectType, id string, fields []string, dst any) error {
	return executeErr(ctx, r, "GetObjectByID", func(ctx context.Context, api API) error {
		return api.GetObjectByID(ctx, objectType, id, fields, dst)
	})
}

// DescribeGlobal lists the available object types.
func (r *ResilientClient) DescribeGlobal(ctx context.Context) (*DescribeGlobal, error) {
	return execute(ctx, r, "DescribeGlobal", func(ctx context.Context, api API) (*DescribeGlobal, error) {
		return api.DescribeGlobal(ctx)
	})
}

// GetObjectBasicInfo returns summary metadata for objectType.
func (r *ResilientClient) GetObjectBasicInfo(ctx context.Context, objectType string) (*SObjectBasicInfo, error) {
	return execute(ctx, r, "GetObjectBasicInfo", func(ctx context.Context, api API) (*SObjectBasicInfo, error) {
		return api.GetObjectBasicInfo(ctx, objectType)
	})
}

// GetObjectDescribe returns full metadata for objectType.
func (r *ResilientClient) GetObjectDescribe(ctx context.Context, objectType string) (*SObjectDescribe, error) {
	return execute(ctx, r, "GetObjectDescribe", func(ctx context.Context, api API) (*SObjectDescribe, error) {
		return api.GetObjectDescribe(ctx, objectType)
	})
}

// Search runs a SOSL search and decodes the matches into dst.
func (r *ResilientClient) Search(ctx context.Context, sosl string, dst any) error {
	return executeErr(ctx, r, "Search", func(ctx context.Context, api API) error {
		return api.Search(ctx, sosl, dst)
	})
}

// GetOrganizationLimits returns the org's API limits.
func (r *ResilientClient) GetOrganizationLimits(ctx context.Context) (OrganizationLimits, error) {
	return execute(ctx, r, "GetOrganizationLimits", func(ctx context.Context, api API) (OrganizationLimits, error) {
		return api.GetOrganizationLimits(ctx)
	})
}

// GetUserInfo fetches the identity at identityURL, or the current user's
// identity when identityURL is empty.
func (r *ResilientClient) GetUserInfo(ctx context.Context, identityURL string) (*UserInfo, error) {
	return execute(ctx, r, "GetUserInfo", func(ctx context.Context, api API) (*UserInfo, error) {
		return api.GetUserInfo(ctx, identityURL)
	})
}

// GetAvailableRestAPIVersions lists the API versions the instance serves.
func (r *ResilientClient) GetAvailableRestAPIVersions(ctx context.Context) ([]Version, error) {
	return execute(ctx, r, "GetAvailableRestAPIVersions", func(ctx context.Context, api API) ([]Version, error) {
		return api.GetAvailableRestAPIVersions(ctx)
	})
}

// TestConnection reports whether the instance answers with the current
// credentials. The error is non-nil only when credentials could not be
// obtained.
func (r *ResilientClient) TestConnection(ctx context.Context) (bool, error) {
	return execute(ctx, r, "TestConnection", func(ctx context.Context, api API) (bool, error) {
		return api.TestConnection(ctx), nil
	})
}

// Query runs soql through r and returns the records as T.
func Query[T any](ctx context.Context, r *ResilientClient, soql string, queryAll bool) ([]T, error) {
	var out []T
	if err := r.Query(ctx, soql, queryAll, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// QuerySingle runs soql through r and returns its only record as T.
func QuerySingle[T any](ctx context.Context, r *ResilientClient, soql string, queryAll bool) (T, error) {
	var out T
	err := r.QuerySingle(ctx, soql, queryAll, &out)
	return out, err
}
