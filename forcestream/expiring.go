package forcestream

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultSafetyMargin is how long before ValidUntil a cached value is
// treated as expired.
const DefaultSafetyMargin = 30 * time.Second

// DefaultRefreshTimeout bounds one factory call.
const DefaultRefreshTimeout = 60 * time.Second

// ExpiringValue is a value paired with the instant it stops being valid.
type ExpiringValue[T any] struct {
	Value      T
	ValidUntil time.Time
}

// ExpiringLazyOptions configures an ExpiringLazy.
type ExpiringLazyOptions struct {
	// SafetyMargin is subtracted from ValidUntil when checking freshness.
	// Default: DefaultSafetyMargin. Use a negative value for no margin.
	SafetyMargin time.Duration

	// RefreshTimeout bounds each factory call. A refresh that exceeds it
	// fails for every waiter and the next Value starts a new one.
	// Default: DefaultRefreshTimeout.
	RefreshTimeout time.Duration

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// ExpiringLazy caches a single value produced by an asynchronous factory
// and refreshes it when it expires or is invalidated.
//
// Concurrent callers that find the cache stale share one factory call and
// all observe its value or its error. A failed refresh never publishes a
// value; the caller gets the error.
type ExpiringLazy[T any] struct {
	factory func(context.Context) (ExpiringValue[T], error)
	margin  time.Duration
	timeout time.Duration
	now     func() time.Time
	group   singleflight.Group

	mu         sync.Mutex
	value      ExpiringValue[T]
	valueGen   uint64
	hasValue   bool
	generation uint64
}

// flightKey is the only singleflight key; the cache holds one value.
const flightKey = "value"

// NewExpiringLazy creates a cache around factory.
// Pass nil for opts to use defaults.
func NewExpiringLazy[T any](factory func(context.Context) (ExpiringValue[T], error), opts *ExpiringLazyOptions) *ExpiringLazy[T] {
	l := &ExpiringLazy[T]{
		factory: factory,
		margin:  DefaultSafetyMargin,
		timeout: DefaultRefreshTimeout,
		now:     time.Now,
	}
	if opts != nil {
		switch {
		case opts.SafetyMargin > 0:
			l.margin = opts.SafetyMargin
		case opts.SafetyMargin < 0:
			l.margin = 0
		}
		if opts.RefreshTimeout > 0 {
			l.timeout = opts.RefreshTimeout
		}
		if opts.Now != nil {
			l.now = opts.Now
		}
	}
	return l
}

// Value returns the cached value if it is still fresh, otherwise runs (or
// joins) a refresh. ctx bounds only this caller's wait; the refresh itself
// keeps running for other waiters if ctx is cancelled, up to the refresh
// timeout.
func (l *ExpiringLazy[T]) Value(ctx context.Context) (T, error) {
	if v, ok := l.fresh(); ok {
		return v, nil
	}

	ch := l.group.DoChan(flightKey, func() (any, error) {
		// A caller that queued behind a finished flight may find a
		// fresh value already published.
		if v, ok := l.fresh(); ok {
			return v, nil
		}

		l.mu.Lock()
		gen := l.generation
		l.mu.Unlock()

		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()
		ev, err := l.factory(refreshCtx)
		if err != nil {
			return nil, err
		}

		l.mu.Lock()
		l.value = ev
		l.valueGen = gen
		l.hasValue = true
		l.mu.Unlock()
		return ev.Value, nil
	})

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	}
}

// Invalidate marks the cached value stale. A refresh already in flight
// completes and its waiters receive its result, but the value it publishes
// is stale on arrival, so calls made after it finishes run a new refresh.
func (l *ExpiringLazy[T]) Invalidate() {
	l.mu.Lock()
	l.generation++
	l.mu.Unlock()
}

// Peek returns the last published value regardless of freshness.
func (l *ExpiringLazy[T]) Peek() (ExpiringValue[T], bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value, l.hasValue
}

func (l *ExpiringLazy[T]) fresh() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.hasValue || l.valueGen != l.generation {
		var zero T
		return zero, false
	}
	if l.now().After(l.value.ValidUntil.Add(-l.margin)) {
		var zero T
		return zero, false
	}
	return l.value.Value, true
}
