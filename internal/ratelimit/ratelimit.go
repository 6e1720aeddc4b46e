// Package ratelimit provides request throttling for the HTTP API and the
// rolling-window counters the escalation engine uses to cap autonomous
// actions.
//
// Limiter gates individual requests (token bucket). Window counts events per
// key over a trailing duration. Both have in-memory implementations; Window
// also has a Redis implementation so several runtime instances share one
// count.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. Callers treat an
	// error as fail-open.
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// RetryAdvisor is implemented by limiters that can tell a denied caller when
// to come back. The middleware uses it for the Retry-After header.
type RetryAdvisor interface {
	RetryAfter(key string) time.Duration
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// Window counts events per key over a trailing duration.
// Implementations must be safe for concurrent use.
type Window interface {
	// Count returns the number of events recorded for key in (now-span, now].
	Count(ctx context.Context, key string, span time.Duration, now time.Time) (int, error)
	// Record adds one event for key at now.
	Record(ctx context.Context, key string, now time.Time) error
}
