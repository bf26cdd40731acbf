// Package cache implements the hot cache: a single capability interface
// with two interchangeable backends, selected at boot by whether REDIS_URL
// is configured. Both backends honor the same fail-open contract: a cache
// outage never blocks the ingestion happy path.
package cache

import (
	"context"
	"time"

	"github.com/telemetry-hub/fleet-ingester/internal/position"
)

// Cache is the capability this system needs from a hot-state store: the
// last known Position per vehicle, and a rolling per-vehicle write counter
// for the throttle gate.
type Cache interface {
	// Put stores the latest Position for a vehicle, namespaced loc:{vehicle_id}.
	Put(ctx context.Context, vehicleID string, p *position.Position) error

	// Get returns the last cached Position, or found=false if absent or
	// expired. A backend error is returned rather than silently swallowed so
	// callers can apply their own fail-open/fail-closed policy.
	Get(ctx context.Context, vehicleID string) (p *position.Position, found bool, err error)

	// PutBatch stores several positions in one round trip.
	PutBatch(ctx context.Context, positions []*position.Position) error

	// IncrThrottle increments and returns the write counter for a vehicle
	// within the current window, creating/resetting it as needed.
	IncrThrottle(ctx context.Context, vehicleID string, window time.Duration) (count int64, err error)

	// HasMoved reports whether (lat, lng) is at least dMinMeters from the
	// last cached position for vehicleID. Absence of a prior position
	// counts as having moved (nothing to compare against).
	HasMoved(ctx context.Context, vehicleID string, lat, lng, dMinMeters float64) (bool, error)

	Close() error
}

// Options configures either backend. RedisURL selects the backend: empty
// means the in-process fallback.
type Options struct {
	RedisURL string
	LocTTL   time.Duration
}

// DefaultOptions mirrors the config package's defaults for standalone use
// (e.g. in tests) without pulling in internal/config.
func DefaultOptions() Options {
	return Options{LocTTL: 2 * time.Minute}
}

// New builds the configured Cache implementation.
func New(opts Options) (Cache, error) {
	if opts.RedisURL != "" {
		return NewRedisCache(opts)
	}
	return NewMemoryCache(opts), nil
}
