package cache

import (
	"context"
	"testing"
	"time"

	"github.com/telemetry-hub/fleet-ingester/internal/position"
)

func TestNew_NoRedisURLReturnsMemory(t *testing.T) {
	c, err := New(Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := c.(*MemoryCache); !ok {
		t.Fatalf("expected *MemoryCache, got %T", c)
	}
	defer c.Close()
}

func TestMemoryCache_PutGet(t *testing.T) {
	c := NewMemoryCache(Options{LocTTL: time.Minute})
	defer c.Close()
	ctx := context.Background()

	p := &position.Position{VehicleID: "v1", Lat: 1, Lng: 2}
	if err := c.Put(ctx, "v1", p); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, found, err := c.Get(ctx, "v1")
	if err != nil || !found {
		t.Fatalf("expected found position, err=%v found=%v", err, found)
	}
	if got.Lat != 1 || got.Lng != 2 {
		t.Errorf("unexpected position: %+v", got)
	}
}

func TestMemoryCache_GetMissing(t *testing.T) {
	c := NewMemoryCache(Options{LocTTL: time.Minute})
	defer c.Close()
	_, found, err := c.Get(context.Background(), "missing")
	if err != nil || found {
		t.Fatalf("expected not found, err=%v found=%v", err, found)
	}
}

func TestMemoryCache_IncrThrottleResetsOnNewWindow(t *testing.T) {
	c := NewMemoryCache(Options{LocTTL: time.Minute})
	defer c.Close()
	ctx := context.Background()
	window := 20 * time.Millisecond

	n1, _ := c.IncrThrottle(ctx, "v1", window)
	n2, _ := c.IncrThrottle(ctx, "v1", window)
	if n1 != 1 || n2 != 2 {
		t.Fatalf("expected sequential counts 1,2 got %d,%d", n1, n2)
	}

	time.Sleep(30 * time.Millisecond)
	n3, _ := c.IncrThrottle(ctx, "v1", window)
	if n3 != 1 {
		t.Fatalf("expected counter reset to 1 after window elapsed, got %d", n3)
	}
}

func TestMemoryCache_HasMovedNoPriorPosition(t *testing.T) {
	c := NewMemoryCache(Options{LocTTL: time.Minute})
	defer c.Close()
	moved, err := c.HasMoved(context.Background(), "v1", 1, 2, 10)
	if err != nil || !moved {
		t.Fatalf("expected moved=true with no prior position, err=%v moved=%v", err, moved)
	}
}

func TestMemoryCache_HasMovedWithinDeadZone(t *testing.T) {
	c := NewMemoryCache(Options{LocTTL: time.Minute})
	defer c.Close()
	ctx := context.Background()
	c.Put(ctx, "v1", &position.Position{VehicleID: "v1", Lat: 10, Lng: 10})

	moved, err := c.HasMoved(ctx, "v1", 10.0000001, 10.0000001, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if moved {
		t.Error("expected moved=false for a sub-meter shift within the dead zone")
	}
}

func TestMemoryCache_HasMovedBeyondDeadZone(t *testing.T) {
	c := NewMemoryCache(Options{LocTTL: time.Minute})
	defer c.Close()
	ctx := context.Background()
	c.Put(ctx, "v1", &position.Position{VehicleID: "v1", Lat: 10, Lng: 10})

	moved, err := c.HasMoved(ctx, "v1", 10.01, 10.01, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !moved {
		t.Error("expected moved=true for a shift well beyond the dead zone")
	}
}

func TestMemoryCache_PutBatch(t *testing.T) {
	c := NewMemoryCache(Options{LocTTL: time.Minute})
	defer c.Close()
	ctx := context.Background()
	err := c.PutBatch(ctx, []*position.Position{
		{VehicleID: "a", Lat: 1, Lng: 1},
		{VehicleID: "b", Lat: 2, Lng: 2},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, found, _ := c.Get(ctx, "a"); !found {
		t.Error("expected vehicle a cached")
	}
	if _, found, _ := c.Get(ctx, "b"); !found {
		t.Error("expected vehicle b cached")
	}
}
