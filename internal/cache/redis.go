package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/telemetry-hub/fleet-ingester/internal/geo"
	"github.com/telemetry-hub/fleet-ingester/internal/position"
)

// RedisCache is the shared hot-state backend for multi-process deployments:
// cross-worker state lives in Redis, not in process memory.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(opts Options) (*RedisCache, error) {
	ropts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parsing redis url: %w", err)
	}
	client := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	ttl := opts.LocTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func locKey(vehicleID string) string      { return "loc:" + vehicleID }
func throttleKey(vehicleID string) string { return "throttle:" + vehicleID }

// Put overwrites the cached entry for vehicleID unless an existing entry
// carries a newer RecordedAt, so an out-of-order or replayed write never
// regresses the hot cache.
func (c *RedisCache) Put(ctx context.Context, vehicleID string, p *position.Position) error {
	if existing, found, err := c.Get(ctx, vehicleID); err == nil && found && existing.RecordedAt.After(p.RecordedAt) {
		return nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("cache: marshal position: %w", err)
	}
	return c.client.Set(ctx, locKey(vehicleID), b, c.ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, vehicleID string) (*position.Position, bool, error) {
	b, err := c.client.Get(ctx, locKey(vehicleID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get: %w", err)
	}
	var p position.Position
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, false, fmt.Errorf("cache: unmarshal position: %w", err)
	}
	return &p, true, nil
}

func (c *RedisCache) PutBatch(ctx context.Context, positions []*position.Position) error {
	if len(positions) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, p := range positions {
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("cache: marshal position for %s: %w", p.VehicleID, err)
		}
		pipe.Set(ctx, locKey(p.VehicleID), b, c.ttl)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("cache: put_batch pipeline: %w", err)
	}
	return nil
}

// IncrThrottle increments a per-vehicle counter with a TTL equal to window,
// set only on the first increment of the window (NX) so the counter resets
// naturally once the window elapses.
func (c *RedisCache) IncrThrottle(ctx context.Context, vehicleID string, window time.Duration) (int64, error) {
	key := throttleKey(vehicleID)
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: incr_throttle: %w", err)
	}
	if count == 1 {
		c.client.Expire(ctx, key, window)
	}
	return count, nil
}

func (c *RedisCache) HasMoved(ctx context.Context, vehicleID string, lat, lng, dMinMeters float64) (bool, error) {
	last, found, err := c.Get(ctx, vehicleID)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return geo.DistanceMeters(last.Lat, last.Lng, lat, lng) >= dMinMeters, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
