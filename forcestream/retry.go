package forcestream

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// RetryEvent describes a retry that is about to happen.
type RetryEvent struct {
	Policy    string        // name of the policy retrying
	Operation string        // operation name from the context
	CallID    string        // call correlation id from the context
	Attempt   int           // 1 for the first retry
	Delay     time.Duration // wait before the retry
	Err       error         // error that triggered the retry
}

// Policy retries an operation while ShouldRetry accepts its error.
//
// The operation runs once, then up to MaxRetries more times. Cancellation,
// and any error once ctx is done, is never retried.
type Policy struct {
	// Name identifies the policy in logs and RetryEvents.
	Name string

	// ShouldRetry decides whether err is handled by this policy.
	// A nil ShouldRetry handles nothing.
	ShouldRetry func(err error) bool

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Backoff returns the wait before retry attempt (1-based).
	// Nil means no wait.
	Backoff func(attempt int) time.Duration

	// OnRetry runs before each wait. Returning an error aborts the
	// retry loop with that error.
	OnRetry func(ctx context.Context, ev RetryEvent) error

	// Exhausted converts the final error once MaxRetries have been used.
	// Nil returns the error unchanged.
	Exhausted func(ctx context.Context, attempts int, err error) error

	// Sleep waits for d or until ctx is done. Default: a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Wrap returns next decorated with the policy's retry loop.
func (p Policy) Wrap(next func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		for attempt := 0; ; attempt++ {
			err := next(ctx)
			if err == nil {
				return nil
			}
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return err
			}
			if p.ShouldRetry == nil || !p.ShouldRetry(err) {
				return err
			}
			if attempt >= p.MaxRetries {
				if p.Exhausted != nil {
					return p.Exhausted(ctx, attempt+1, err)
				}
				return err
			}

			var delay time.Duration
			if p.Backoff != nil {
				delay = p.Backoff(attempt + 1)
			}
			if p.OnRetry != nil {
				ev := RetryEvent{
					Policy:    p.Name,
					Operation: OperationName(ctx),
					CallID:    CallID(ctx),
					Attempt:   attempt + 1,
					Delay:     delay,
					Err:       err,
				}
				if hookErr := p.OnRetry(ctx, ev); hookErr != nil {
					return hookErr
				}
			}

			sleep := p.Sleep
			if sleep == nil {
				sleep = sleepContext
			}
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
}

// Pipeline composes policies. The first policy is the outermost: it sees
// errors only after every inner policy has given up.
type Pipeline []Policy

// Execute runs op through every policy in the pipeline.
func (p Pipeline) Execute(ctx context.Context, op func(context.Context) error) error {
	fn := op
	for i := len(p) - 1; i >= 0; i-- {
		fn = p[i].Wrap(fn)
	}
	return fn(ctx)
}

// Do runs op through pipeline and returns its value.
func Do[T any](ctx context.Context, pipeline Pipeline, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := pipeline.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// MaxBackoff caps the delay produced by ExponentialBackoff, jitter aside.
const MaxBackoff = 5 * time.Minute

// ExponentialBackoff returns base^attempt seconds, capped at MaxBackoff, plus
// a uniform random jitter in [0, jitter). A base below 1 is treated as 1.
func ExponentialBackoff(base float64, jitter time.Duration) func(attempt int) time.Duration {
	base = max(base, 1)
	return func(attempt int) time.Duration {
		secs := min(math.Pow(base, float64(attempt)), MaxBackoff.Seconds())
		d := time.Duration(secs * float64(time.Second))
		if jitter > 0 {
			d += rand.N(jitter)
		}
		return d
	}
}

// LogRetries returns an OnRetry hook that logs each retry at warn level.
func LogRetries(logger *slog.Logger) func(context.Context, RetryEvent) error {
	return func(ctx context.Context, ev RetryEvent) error {
		logger.WarnContext(ctx, "retrying operation",
			"policy", ev.Policy,
			"op", ev.Operation,
			"call_id", ev.CallID,
			"attempt", ev.Attempt,
			"delay", ev.Delay,
			"error", ev.Err,
		)
		return nil
	}
}

type operationKey struct{}

type callIDKey struct{}

// UnnamedOperation is reported when no operation name is in the context.
const UnnamedOperation = "unnamed"

// WithOperation tags ctx with the name of the operation being executed.
func WithOperation(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, operationKey{}, name)
}

// OperationName returns the operation name set by WithOperation.
func OperationName(ctx context.Context) string {
	if name, ok := ctx.Value(operationKey{}).(string); ok && name != "" {
		return name
	}
	return UnnamedOperation
}

// WithCallID tags ctx with a call correlation id. An empty id is replaced
// with a random UUID.
func WithCallID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, callIDKey{}, id)
}

// CallID returns the id set by WithCallID, or "".
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
