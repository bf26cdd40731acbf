package geo

import (
	"math"
	"testing"
)

func TestDistanceMeters_SamePoint(t *testing.T) {
	d := DistanceMeters(37.7749, -122.4194, 37.7749, -122.4194)
	if d != 0 {
		t.Errorf("expected 0 distance for identical points, got %v", d)
	}
}

func TestDistanceMeters_KnownShortHop(t *testing.T) {
	// Roughly 1 degree of latitude is ~111km; a hundredth of that should be
	// in the same ballpark for the planar approximation at short range.
	d := DistanceKm(37.0, -122.0, 37.01, -122.0)
	if d < 0.9 || d > 1.3 {
		t.Errorf("expected ~1.1km, got %v", d)
	}
}

func TestDistanceMeters_Symmetric(t *testing.T) {
	a := DistanceMeters(10, 20, 10.5, 20.5)
	b := DistanceMeters(10.5, 20.5, 10, 20)
	if math.Abs(a-b) > 1e-6 {
		t.Errorf("expected symmetric distance, got %v vs %v", a, b)
	}
}
