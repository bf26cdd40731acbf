// Package fanout coalesces each batch of vehicle-locations records down to
// the latest Position per vehicle and pushes to the subscription broker,
// plus a parallel alert-processor consumer group that forwards
// route-alerts uncoalesced. Control flow is the same ticker-driven
// batching shape as internal/persistence, written out again here.
package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/telemetry-hub/fleet-ingester/internal/position"
)

// RoomPusher is the narrow capability the broker exposes to this worker —
// it never sees the broker's session/room map directly.
type RoomPusher interface {
	PushToRoom(room string, payload []byte)
}

func vehicleRoom(id string) string { return "vehicle:" + id }

const nearbyAllRoom = "nearby-all"

type Worker struct {
	pusher        RoomPusher
	flushInterval time.Duration
	logger        *zap.Logger
}

func NewWorker(pusher RoomPusher, flushInterval time.Duration, logger *zap.Logger) *Worker {
	return &Worker{pusher: pusher, flushInterval: flushInterval, logger: logger}
}

// Run coalesces each tick's accumulated records by vehicle_id, keeping only
// the latest Position per vehicle, then pushes each to its vehicle:{id}
// room and a combined summary to nearby-all.
func (w *Worker) Run(ctx context.Context, records <-chan []*kgo.Record, flushed chan<- []*kgo.Record, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(flushed)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	latest := map[string]*position.Position{}
	var pendingRecords []*kgo.Record

	flush := func() {
		if len(pendingRecords) == 0 {
			return
		}
		var summary []*position.Position
		for _, p := range latest {
			payload, err := json.Marshal(p)
			if err != nil {
				w.logger.Error("fanout: marshal position", zap.Error(err))
				continue
			}
			w.pusher.PushToRoom(vehicleRoom(p.VehicleID), payload)
			summary = append(summary, p)
		}
		if len(summary) > 0 {
			if payload, err := json.Marshal(summary); err == nil {
				w.pusher.PushToRoom(nearbyAllRoom, payload)
			}
		}

		select {
		case flushed <- pendingRecords:
		case <-ctx.Done():
		}
		latest = map[string]*position.Position{}
		pendingRecords = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		case batch, ok := <-records:
			if !ok {
				flush()
				return
			}
			for _, rec := range batch {
				pos, err := position.FromJSON(rec.Value, "", 0)
				if err != nil {
					pendingRecords = append(pendingRecords, rec)
					continue
				}
				latest[pos.VehicleID] = pos
				pendingRecords = append(pendingRecords, rec)
			}
		}
	}
}

// AlertWorker forwards route-alerts records to nearby-all without
// coalescing — every hazard/SOS event is individually significant.
type AlertWorker struct {
	pusher RoomPusher
	logger *zap.Logger
}

func NewAlertWorker(pusher RoomPusher, logger *zap.Logger) *AlertWorker {
	return &AlertWorker{pusher: pusher, logger: logger}
}

func (w *AlertWorker) Run(ctx context.Context, records <-chan []*kgo.Record, flushed chan<- []*kgo.Record, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(flushed)

	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-records:
			if !ok {
				return
			}
			for _, rec := range batch {
				w.pusher.PushToRoom(nearbyAllRoom, rec.Value)
			}
			select {
			case flushed <- batch:
			case <-ctx.Done():
				return
			}
		}
	}
}
