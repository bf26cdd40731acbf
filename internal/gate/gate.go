// Package gate implements the throttle / dead-zone decision: whether an
// incoming Position is worth logging and fanning out, or should be dropped
// as redundant.
package gate

import (
	"context"
	"time"

	"github.com/telemetry-hub/fleet-ingester/internal/cache"
	"github.com/telemetry-hub/fleet-ingester/internal/metrics"
	"github.com/telemetry-hub/fleet-ingester/internal/position"
)

// Decision names why a position passed or was dropped, for metrics and logs.
type Decision string

const (
	DecisionAccept    Decision = "accept"
	DecisionThrottled Decision = "throttled"
	DecisionDeadZone  Decision = "dead_zone"
)

// Gate evaluates each Position against the per-vehicle write-rate ceiling
// (R_max writes/second) and the minimum-movement dead zone (D_min meters),
// in that order: throttle is checked before movement.
type Gate struct {
	cache    cache.Cache
	rMax     int64
	window   time.Duration
	dMinM    float64
}

func New(c cache.Cache, rMaxPerSecond float64, dMinMeters float64, throttleWindow time.Duration) *Gate {
	if throttleWindow <= 0 {
		throttleWindow = time.Second
	}
	return &Gate{
		cache:  c,
		rMax:   int64(rMaxPerSecond),
		window: throttleWindow,
		dMinM:  dMinMeters,
	}
}

// Admit reports whether p should proceed to the event log bus. On a cache
// error it fails open (admits the record): a hot-cache outage must never
// block ingestion.
func (g *Gate) Admit(ctx context.Context, p *position.Position) (bool, Decision) {
	count, err := g.cache.IncrThrottle(ctx, p.VehicleID, g.window)
	if err != nil {
		metrics.GateDecisionsTotal.WithLabelValues(string(DecisionAccept)).Inc()
		return true, DecisionAccept
	}
	if count > g.rMax {
		metrics.GateDecisionsTotal.WithLabelValues(string(DecisionThrottled)).Inc()
		return false, DecisionThrottled
	}

	moved, err := g.cache.HasMoved(ctx, p.VehicleID, p.Lat, p.Lng, g.dMinM)
	if err != nil {
		metrics.GateDecisionsTotal.WithLabelValues(string(DecisionAccept)).Inc()
		return true, DecisionAccept
	}
	if !moved {
		metrics.GateDecisionsTotal.WithLabelValues(string(DecisionDeadZone)).Inc()
		return false, DecisionDeadZone
	}

	metrics.GateDecisionsTotal.WithLabelValues(string(DecisionAccept)).Inc()
	return true, DecisionAccept
}
