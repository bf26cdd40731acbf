package gate

import (
	"context"
	"testing"
	"time"

	"github.com/telemetry-hub/fleet-ingester/internal/cache"
	"github.com/telemetry-hub/fleet-ingester/internal/position"
)

func newTestGate(rMax, dMin float64) *Gate {
	c := cache.NewMemoryCache(cache.Options{LocTTL: time.Minute})
	return New(c, rMax, dMin, time.Minute)
}

func TestAdmit_FirstWriteAccepted(t *testing.T) {
	g := newTestGate(5, 10)
	ok, d := g.Admit(context.Background(), &position.Position{VehicleID: "v1", Lat: 1, Lng: 1})
	if !ok || d != DecisionAccept {
		t.Fatalf("expected accept, got ok=%v decision=%v", ok, d)
	}
}

func TestAdmit_ThrottledAfterRMax(t *testing.T) {
	g := newTestGate(2, 0.0001)
	ctx := context.Background()
	v := &position.Position{VehicleID: "v1", Lat: 1, Lng: 1}

	g.Admit(ctx, v)
	g.Admit(ctx, &position.Position{VehicleID: "v1", Lat: 2, Lng: 2})
	ok, d := g.Admit(ctx, &position.Position{VehicleID: "v1", Lat: 3, Lng: 3})
	if ok || d != DecisionThrottled {
		t.Fatalf("expected throttled, got ok=%v decision=%v", ok, d)
	}
}

func TestAdmit_DeadZoneDropsSmallMovement(t *testing.T) {
	g := newTestGate(100, 10000)
	ctx := context.Background()
	// Admit never writes the cache (ingress puts after the gate), so the
	// prior position is seeded directly.
	g.cache.Put(ctx, "v1", &position.Position{VehicleID: "v1", Lat: 10, Lng: 10})

	ok, d := g.Admit(ctx, &position.Position{VehicleID: "v1", Lat: 10.0000001, Lng: 10.0000001})
	if ok || d != DecisionDeadZone {
		t.Fatalf("expected dead_zone, got ok=%v decision=%v", ok, d)
	}
}

func TestAdmit_ThrottleCheckedBeforeMovement(t *testing.T) {
	// Even a position within the dead zone should be reported as throttled,
	// not dead_zone, once the rate ceiling is hit first.
	g := newTestGate(1, 10000)
	ctx := context.Background()
	v := &position.Position{VehicleID: "v1", Lat: 10, Lng: 10}
	g.cache.Put(ctx, v.VehicleID, v)

	g.Admit(ctx, v)
	ok, d := g.Admit(ctx, v)
	if ok || d != DecisionThrottled {
		t.Fatalf("expected throttled to take precedence, got ok=%v decision=%v", ok, d)
	}
}
