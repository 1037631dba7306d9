// Package ratelimit enforces a fixed-window request budget per
// credential. The counter lives in a CounterStore whose Incr is a
// single atomic operation, so concurrent requests for one credential
// never lose updates.
//
// Fixed windows have a known artifact: a credential can land up to 2x
// the limit across a window boundary (the tail of one window plus the
// head of the next).
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/nvelloso/apigate/internal/store"
)

// Decision is the outcome of one limiter check.
type Decision struct {
	// Allowed reports whether the request fits the window budget.
	Allowed bool

	// Limit is the configured ceiling per window.
	Limit int

	// Remaining is the budget left after this request, clamped at 0.
	Remaining int

	// Reset is when the current window ends and the counter restarts.
	Reset time.Time
}

// RetryAfter returns the seconds until the window resets, rounded up,
// for the Retry-After response header.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.Reset.Sub(now).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter is a fixed-window rate limiter keyed by credential.
type Limiter struct {
	counters store.CounterStore
	limit    int
	window   time.Duration
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the limiter's time source. Tests use this to
// cross window boundaries without sleeping.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter allowing limit requests per window.
func New(counters store.CounterStore, limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		counters: counters,
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow consumes one unit of the credential's window budget and
// reports whether the request may proceed. The post-increment count is
// compared against the limit: count <= limit allows, anything beyond
// is denied. Request number limit+1 is the first denial.
func (l *Limiter) Allow(ctx context.Context, credentialKey string) (Decision, error) {
	now := l.now()
	windowStart := now.Truncate(l.window)
	windowEnd := windowStart.Add(l.window)

	key := fmt.Sprintf("ratelimit:%s:%d", credentialKey, windowStart.Unix())

	count, err := l.counters.Incr(ctx, key, windowEnd)
	if err != nil {
		return Decision{}, fmt.Errorf("increment window counter: %w", err)
	}

	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   count <= int64(l.limit),
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     windowEnd,
	}, nil
}

// Limit returns the configured per-window ceiling.
func (l *Limiter) Limit() int {
	return l.limit
}

// Window returns the configured window duration.
func (l *Limiter) Window() time.Duration {
	return l.window
}
