package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

type fakePusher struct {
	mu     sync.Mutex
	pushes map[string]int
}

func newFakePusher() *fakePusher { return &fakePusher{pushes: map[string]int{}} }

func (f *fakePusher) PushToRoom(room string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes[room]++
}

func (f *fakePusher) count(room string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes[room]
}

func positionRecord(t *testing.T, vehicleID string, lat, lng float64) *kgo.Record {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"vehicle_id": vehicleID,
		"lat":        lat,
		"lng":        lng,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &kgo.Record{Value: b}
}

func TestWorker_CoalescesByVehicleAndPushesOnFlush(t *testing.T) {
	pusher := newFakePusher()
	w := NewWorker(pusher, 15*time.Millisecond, zap.NewNop())

	records := make(chan []*kgo.Record, 1)
	flushed := make(chan []*kgo.Record, 4)
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	wg.Add(1)
	go w.Run(ctx, records, flushed, &wg)

	records <- []*kgo.Record{
		positionRecord(t, "v1", 1, 1),
		positionRecord(t, "v1", 2, 2),
		positionRecord(t, "v2", 3, 3),
	}

	deadline := time.After(500 * time.Millisecond)
	for pusher.count("vehicle:v1") == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for fanout push")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if pusher.count("vehicle:v1") != 1 {
		t.Errorf("expected exactly one coalesced push for v1, got %d", pusher.count("vehicle:v1"))
	}
	if pusher.count("vehicle:v2") != 1 {
		t.Errorf("expected one push for v2, got %d", pusher.count("vehicle:v2"))
	}
	if pusher.count(nearbyAllRoom) == 0 {
		t.Error("expected a nearby-all summary push")
	}

	cancel()
	wg.Wait()
}

func TestAlertWorker_ForwardsEachRecordUncoalesced(t *testing.T) {
	pusher := newFakePusher()
	w := NewAlertWorker(pusher, zap.NewNop())

	records := make(chan []*kgo.Record, 1)
	flushed := make(chan []*kgo.Record, 1)
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	wg.Add(1)
	go w.Run(ctx, records, flushed, &wg)

	records <- []*kgo.Record{{Value: []byte("alert-1")}, {Value: []byte("alert-2")}}
	<-flushed

	if pusher.count(nearbyAllRoom) != 2 {
		t.Errorf("expected 2 uncoalesced pushes, got %d", pusher.count(nearbyAllRoom))
	}

	cancel()
	wg.Wait()
}
