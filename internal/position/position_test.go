package position

import (
	"strconv"
	"testing"
	"time"
)

func TestFromJSON_ValidNumericWire(t *testing.T) {
	data := []byte(`{"vehicle_id":"veh-1","lat":37.7,"lng":-122.4,"speed":5,"heading":90,"accuracy_m":3,"recorded_at":"` + time.Now().UTC().Format(time.RFC3339) + `"}`)
	p, err := FromJSON(data, "", time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.VehicleID != "veh-1" || p.Lat != 37.7 || p.Lng != -122.4 {
		t.Errorf("unexpected position: %+v", p)
	}
}

func TestFromJSON_StringNumericFields(t *testing.T) {
	data := []byte(`{"vehicle_id":"veh-2","lat":"10.5","lng":"20.25","recorded_at":` + timeNowEpochMs(t) + `}`)
	p, err := FromJSON(data, "", time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Lat != 10.5 || p.Lng != 20.25 {
		t.Errorf("expected coerced floats, got %+v", p)
	}
}

func TestFromJSON_MissingVehicleID(t *testing.T) {
	data := []byte(`{"lat":1,"lng":2}`)
	if _, err := FromJSON(data, "", 0); err != ErrMissingVehicleID {
		t.Fatalf("expected ErrMissingVehicleID, got %v", err)
	}
}

func TestFromJSON_VehicleIDFromPathFallback(t *testing.T) {
	data := []byte(`{"lat":1,"lng":2,"speed":30}`)
	p, err := FromJSON(data, "veh_abc", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.VehicleID != "veh_abc" {
		t.Errorf("expected vehicle_id from path fallback, got %q", p.VehicleID)
	}
}

func TestValidate_LatOutOfRange(t *testing.T) {
	p := &Position{VehicleID: "v", Lat: 95, Lng: 0}
	if err := p.Validate(0); err != ErrInvalidLat {
		t.Fatalf("expected ErrInvalidLat, got %v", err)
	}
}

func TestValidate_LngOutOfRange(t *testing.T) {
	p := &Position{VehicleID: "v", Lat: 0, Lng: -200}
	if err := p.Validate(0); err != ErrInvalidLng {
		t.Fatalf("expected ErrInvalidLng, got %v", err)
	}
}

func TestValidate_NegativeSpeed(t *testing.T) {
	p := &Position{VehicleID: "v", Lat: 0, Lng: 0, SpeedMps: -1}
	if err := p.Validate(0); err != ErrInvalidSpeed {
		t.Fatalf("expected ErrInvalidSpeed, got %v", err)
	}
}

func TestValidate_HeadingOutOfRange(t *testing.T) {
	p := &Position{VehicleID: "v", Lat: 0, Lng: 0, HeadingDeg: 360}
	if err := p.Validate(0); err != ErrInvalidHeading {
		t.Fatalf("expected ErrInvalidHeading, got %v", err)
	}
}

func TestValidate_StaleTimestamp(t *testing.T) {
	p := &Position{VehicleID: "v", RecordedAt: time.Now().Add(-time.Hour)}
	if err := p.Validate(time.Minute); err != ErrStaleTimestamp {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}
}

func TestValidate_SkewDisabledWhenZero(t *testing.T) {
	p := &Position{VehicleID: "v", RecordedAt: time.Now().Add(-24 * time.Hour)}
	if err := p.Validate(0); err != nil {
		t.Fatalf("expected no skew check with maxSkew=0, got %v", err)
	}
}

func timeNowEpochMs(t *testing.T) string {
	t.Helper()
	return strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)
}
