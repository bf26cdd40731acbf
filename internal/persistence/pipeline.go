// Package persistence implements the batched durable-write pipeline: it
// drains the vehicle-locations/vehicle-events topics, batches, writes, and
// advances offsets regardless of write outcome — the same ticker+size-cap
// batching control flow used elsewhere in this repo, generalized from
// route records to Position records.
package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/telemetry-hub/fleet-ingester/internal/metrics"
	"github.com/telemetry-hub/fleet-ingester/internal/position"
	"github.com/telemetry-hub/fleet-ingester/internal/store"
)

// oversizeFactor sets a hard 10x-BatchSize cap on the in-memory batch. Run
// already forces a mid-tick flush once the batch reaches BatchSize, so this
// cap is never the condition that triggers a flush.
const oversizeFactor = 10

type Pipeline struct {
	store         *store.Store
	logger        *zap.Logger
	batchSize     int
	flushInterval time.Duration
}

func NewPipeline(st *store.Store, batchSize int, flushInterval time.Duration, logger *zap.Logger) *Pipeline {
	return &Pipeline{store: st, logger: logger, batchSize: batchSize, flushInterval: flushInterval}
}

// Run consumes batches of raw Kafka records from records, parses them into
// Positions (skipping and counting anything malformed rather than failing
// the batch), and flushes to the store on a ticker or once the in-memory
// batch reaches batchSize parsed positions. Every drained batch of
// records — parsed or not — is pushed to flushed once its store write
// completes, so offsets always advance regardless of parse/write outcome.
func (p *Pipeline) Run(ctx context.Context, records <-chan []*kgo.Record, flushed chan<- []*kgo.Record, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(flushed)

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	var pending []*position.Position
	var rawPayloads = map[string][]byte{}
	var pendingRecords []*kgo.Record

	flush := func() {
		if len(pendingRecords) == 0 {
			return
		}
		if err := p.store.FlushPositions(context.Background(), pending, rawPayloads); err != nil {
			p.logger.Error("persistence: flush failed", zap.Error(err), zap.Int("batch_size", len(pending)))
		}
		select {
		case flushed <- pendingRecords:
		case <-ctx.Done():
		}
		pending = nil
		rawPayloads = map[string][]byte{}
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
					metrics.ParseErrorsTotal.WithLabelValues("persistence", "unmarshal").Inc()
					pendingRecords = append(pendingRecords, rec)
					continue
				}
				pending = append(pending, pos)
				rawPayloads[pos.VehicleID] = rec.Value
				pendingRecords = append(pendingRecords, rec)
			}

			if len(pending) >= p.batchSize*oversizeFactor || len(pending) >= p.batchSize {
				flush()
			}
		}
	}
}
