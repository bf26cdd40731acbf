package cache

import (
	"context"
	"sync"
	"time"

	"github.com/telemetry-hub/fleet-ingester/internal/geo"
	"github.com/telemetry-hub/fleet-ingester/internal/position"
)

type locEntry struct {
	pos       *position.Position
	expiresAt time.Time
}

type throttleEntry struct {
	count       int64
	windowStart time.Time
}

// MemoryCache is the in-process fallback implementation of Cache. It never
// fails, so callers using it get fail-silent semantics for free; a Redis
// outage falling back to this implementation is a deployment decision made
// once at boot, not a per-call fallback.
type MemoryCache struct {
	mu        sync.RWMutex
	locs      map[string]*locEntry
	throttles map[string]*throttleEntry
	ttl       time.Duration
	stopCh    chan struct{}
}

func NewMemoryCache(opts Options) *MemoryCache {
	ttl := opts.LocTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	c := &MemoryCache{
		locs:      make(map[string]*locEntry),
		throttles: make(map[string]*throttleEntry),
		ttl:       ttl,
		stopCh:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

func (c *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-c.stopCh:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.locs {
		if now.After(v.expiresAt) {
			delete(c.locs, k)
		}
	}
}

// Put overwrites the cached entry for vehicleID unless an existing entry
// carries a newer RecordedAt, so an out-of-order or replayed write never
// regresses the hot cache.
func (c *MemoryCache) Put(_ context.Context, vehicleID string, p *position.Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.locs[vehicleID]; ok && e.pos.RecordedAt.After(p.RecordedAt) {
		return nil
	}
	c.locs[vehicleID] = &locEntry{pos: p, expiresAt: time.Now().Add(c.ttl)}
	return nil
}

func (c *MemoryCache) Get(_ context.Context, vehicleID string) (*position.Position, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.locs[vehicleID]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	return e.pos, true, nil
}

func (c *MemoryCache) PutBatch(ctx context.Context, positions []*position.Position) error {
	for _, p := range positions {
		if err := c.Put(ctx, p.VehicleID, p); err != nil {
			return err
		}
	}
	return nil
}

func (c *MemoryCache) IncrThrottle(_ context.Context, vehicleID string, window time.Duration) (int64, error) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.throttles[vehicleID]
	if !ok || now.Sub(e.windowStart) > window {
		e = &throttleEntry{count: 0, windowStart: now}
		c.throttles[vehicleID] = e
	}
	e.count++
	return e.count, nil
}

func (c *MemoryCache) HasMoved(_ context.Context, vehicleID string, lat, lng, dMinMeters float64) (bool, error) {
	c.mu.RLock()
	e, ok := c.locs[vehicleID]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return true, nil
	}
	return geo.DistanceMeters(e.pos.Lat, e.pos.Lng, lat, lng) >= dMinMeters, nil
}

func (c *MemoryCache) Close() error {
	close(c.stopCh)
	return nil
}
