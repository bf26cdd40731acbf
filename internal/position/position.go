// Package position holds the Position domain type and its ingress-time
// validation rules, including coercion from the permissive wire shapes
// devices actually send into the typed record.
package position

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Position is the core telemetry event this system ingests, caches, logs,
// persists, and fans out.
type Position struct {
	VehicleID string    `json:"vehicle_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	SpeedMps  float64   `json:"speed"`
	HeadingDeg float64  `json:"heading"`
	AccuracyM float64   `json:"accuracy_m"`
	RecordedAt time.Time `json:"recorded_at"`
}

// wire accepts device payloads in whatever shape they arrive: numeric
// strings, floats, or RFC3339/epoch-ms timestamps. Mirrors the
// dynamic-payload-to-typed-record pattern used elsewhere in the fleet stack
// for device telemetry.
type wire struct {
	VehicleID    any `json:"vehicle_id"`
	VehicleIDAlt any `json:"vehicleId"`
	Lat          any `json:"lat"`
	Lng          any `json:"lng"`
	SpeedMps     any `json:"speed"`
	HeadingDeg   any `json:"heading"`
	AccuracyM    any `json:"accuracy_m"`
	RecordedAt   any `json:"recorded_at"`
}

var (
	ErrMissingVehicleID = errors.New("position: vehicle_id is required")
	ErrInvalidLat       = errors.New("position: lat out of range [-90, 90]")
	ErrInvalidLng       = errors.New("position: lng out of range [-180, 180]")
	ErrInvalidSpeed     = errors.New("position: speed must be >= 0")
	ErrInvalidHeading   = errors.New("position: heading out of range [0, 360)")
	ErrInvalidAccuracy  = errors.New("position: accuracy_m must be >= 0")
	ErrStaleTimestamp   = errors.New("position: recorded_at outside allowed skew window")
)

// FromJSON decodes and validates one device push, coercing the wire shape
// into a Position. vehicleID is the identifier carried by the route path
// (e.g. POST /api/vehicles/:id/location); it is used whenever the body
// itself omits vehicle_id, which is the common case for the single-push
// route. maxSkew bounds how far recorded_at may drift from now; pass 0 to
// skip the skew check.
func FromJSON(data []byte, vehicleID string, maxSkew time.Duration) (*Position, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("position: decode: %w", err)
	}
	return fromWire(&w, vehicleID, maxSkew)
}

func fromWire(w *wire, fallbackID string, maxSkew time.Duration) (*Position, error) {
	id, err := toString(w.VehicleID)
	if err != nil || id == "" {
		if altID, altErr := toString(w.VehicleIDAlt); altErr == nil && altID != "" {
			id = altID
		}
	}
	if id == "" {
		id = strings.TrimSpace(fallbackID)
	}
	if id == "" {
		return nil, ErrMissingVehicleID
	}

	lat, err := toFloat(w.Lat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLat, err)
	}
	lng, err := toFloat(w.Lng)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLng, err)
	}

	var speed, heading, accuracy float64
	if w.SpeedMps != nil {
		if speed, err = toFloat(w.SpeedMps); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSpeed, err)
		}
	}
	if w.HeadingDeg != nil {
		if heading, err = toFloat(w.HeadingDeg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidHeading, err)
		}
	}
	if w.AccuracyM != nil {
		if accuracy, err = toFloat(w.AccuracyM); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAccuracy, err)
		}
	}

	recordedAt := time.Now().UTC()
	if w.RecordedAt != nil {
		if recordedAt, err = toTime(w.RecordedAt); err != nil {
			return nil, fmt.Errorf("position: recorded_at: %w", err)
		}
	}

	p := &Position{
		VehicleID:  id,
		Lat:        lat,
		Lng:        lng,
		SpeedMps:   speed,
		HeadingDeg: heading,
		AccuracyM:  accuracy,
		RecordedAt: recordedAt,
	}

	if err := p.Validate(maxSkew); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate applies the field-range rules. maxSkew of 0 disables the
// timestamp check (used by the persistence worker replaying
// already-accepted records, where drift has already been judged).
func (p *Position) Validate(maxSkew time.Duration) error {
	if p.VehicleID == "" {
		return ErrMissingVehicleID
	}
	if p.Lat < -90 || p.Lat > 90 {
		return ErrInvalidLat
	}
	if p.Lng < -180 || p.Lng > 180 {
		return ErrInvalidLng
	}
	if p.SpeedMps < 0 {
		return ErrInvalidSpeed
	}
	if p.HeadingDeg < 0 || p.HeadingDeg >= 360 {
		return ErrInvalidHeading
	}
	if p.AccuracyM < 0 {
		return ErrInvalidAccuracy
	}
	if maxSkew > 0 {
		drift := time.Since(p.RecordedAt)
		if drift < 0 {
			drift = -drift
		}
		if drift > maxSkew {
			return ErrStaleTimestamp
		}
	}
	return nil
}

func toString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), nil
	case float64:
		return strings.TrimSpace(strconv.FormatInt(int64(t), 10)), nil
	case nil:
		return "", errors.New("missing")
	default:
		return "", fmt.Errorf("cannot parse string from %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	case nil:
		return 0, errors.New("missing")
	default:
		return 0, fmt.Errorf("cannot parse float from %T", v)
	}
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, nil
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, nil
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return epochToTime(n), nil
		}
		return time.Time{}, fmt.Errorf("bad timestamp string: %q", t)
	case float64:
		return epochToTime(int64(t)), nil
	case int64:
		return epochToTime(t), nil
	default:
		return time.Time{}, fmt.Errorf("cannot parse time from %T", v)
	}
}

func epochToTime(n int64) time.Time {
	if n > 1_000_000_000_000 {
		return time.Unix(0, n*int64(time.Millisecond)).UTC()
	}
	return time.Unix(n, 0).UTC()
}
