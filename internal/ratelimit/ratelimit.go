// Package ratelimit implements the 24h SOS credit limiter, following the
// same Limiter-interface-with-two-backends shape as internal/cache. The SOS
// handler keys it by user id; no per-IP limit is applied.
package ratelimit

import (
	"context"
	"time"
)

// Limiter caps the number of times a key (a user id, for the SOS endpoint)
// may pass within a fixed window that starts at the key's first use.
type Limiter interface {
	// Allow reports whether key is still within its window budget and
	// consumes one unit of budget if so.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Close() error
}

// Options selects the backend: RedisURL empty means the in-process impl.
type Options struct {
	RedisURL string
}

func New(opts Options) (Limiter, error) {
	if opts.RedisURL != "" {
		return NewRedisLimiter(opts)
	}
	return NewMemoryLimiter(), nil
}
