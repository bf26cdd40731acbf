package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestClient(hub *Hub, userID string) *Client {
	return &Client{hub: hub, log: zap.NewNop(), UserID: userID, send: make(chan []byte, sendBufferSize)}
}

func drainOne(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case b := <-c.send:
		return b
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func runHub(t *testing.T, h *Hub) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.Run(ctx)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func TestRegister_AutoJoinsNearbyAll(t *testing.T) {
	h := NewHub(zap.NewNop())
	stop := runHub(t, h)
	defer stop()

	c := newTestClient(h, "")
	h.Register(c)
	time.Sleep(20 * time.Millisecond)

	h.PushToRoom(nearbyAllRoom, []byte("hi"))
	got := drainOne(t, c)
	if string(got) != "hi" {
		t.Errorf("expected to receive push on auto-joined nearby-all room, got %q", got)
	}
}

func TestSubscribe_JoinsVehicleRoom(t *testing.T) {
	h := NewHub(zap.NewNop())
	stop := runHub(t, h)
	defer stop()

	c := newTestClient(h, "user-1")
	h.Register(c)
	h.Subscribe(c, "vehicle:v1")
	time.Sleep(20 * time.Millisecond)

	h.PushToRoom("vehicle:v1", []byte("moved"))
	got := drainOne(t, c)
	if string(got) != "moved" {
		t.Errorf("expected vehicle room push, got %q", got)
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	h := NewHub(zap.NewNop())
	stop := runHub(t, h)
	defer stop()

	c := newTestClient(h, "user-1")
	h.Register(c)
	h.Subscribe(c, "fleet:f1")
	time.Sleep(20 * time.Millisecond)
	h.Unsubscribe(c, "fleet:f1")
	time.Sleep(20 * time.Millisecond)

	h.PushToRoom("fleet:f1", []byte("should not arrive"))
	select {
	case b := <-c.send:
		t.Errorf("expected no delivery after unsubscribe, got %q", b)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnregister_RemovesFromAllRooms(t *testing.T) {
	h := NewHub(zap.NewNop())
	stop := runHub(t, h)
	defer stop()

	c := newTestClient(h, "")
	h.Register(c)
	h.Subscribe(c, "vehicle:v9")
	time.Sleep(20 * time.Millisecond)
	h.Unregister(c)
	time.Sleep(20 * time.Millisecond)

	h.mu.RLock()
	_, stillThere := h.rooms["vehicle:v9"][c]
	h.mu.RUnlock()
	if stillThere {
		t.Error("expected client removed from room membership after unregister")
	}
}

func TestPushToRoom_NoSubscribersIsNoop(t *testing.T) {
	h := NewHub(zap.NewNop())
	stop := runHub(t, h)
	defer stop()

	h.PushToRoom("vehicle:ghost", []byte("x"))
	time.Sleep(20 * time.Millisecond)
}
