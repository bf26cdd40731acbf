// Package broker implements a WebSocket subscription hub: rooms
// (vehicle:{id}, fleet:{id}, nearby-all), best-effort delivery, and a
// narrow PushToRoom capability consumed by internal/fanout. Its Hub/Client
// shape (register/unregister channels, SafeSend, decoupled broadcast loop,
// ping/pong keepalive, panic-recovery run loop) follows the dashboard hub
// pattern used elsewhere in this stack.
package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/telemetry-hub/fleet-ingester/internal/metrics"
)

const (
	broadcastQueueSize = 1024
	emptyRoomSweepMin  = 5 * time.Minute
)

type roomMessage struct {
	room    string
	payload []byte
}

type roomOp struct {
	client *Client
	room   string
	sub    bool
}

// Hub owns every session and room membership for one process. Cross-process
// fan-out relies on the event log, not shared hub state.
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	roomOps    chan roomOp
	broadcasts chan roomMessage

	sweepInterval time.Duration
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:        logger,
		clients:       make(map[*Client]bool),
		rooms:         make(map[string]map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		roomOps:       make(chan roomOp, 256),
		broadcasts:    make(chan roomMessage, broadcastQueueSize),
		sweepInterval: emptyRoomSweepMin,
	}
}

// Run drives the hub's single-writer event loop. A panic inside one
// iteration restarts the loop rather than killing the process, since this
// is a long-lived background goroutine with no supervisor to restart it.
func (h *Hub) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		h.runLoopRecovered(ctx)
	}
}

func (h *Hub) runLoopRecovered(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("broker: hub loop panic, restarting", zap.Any("panic", r))
		}
	}()
	h.runLoop(ctx)
}

func (h *Hub) runLoop(ctx context.Context) {
	sweep := time.NewTicker(h.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.handleRegister(c)

		case c := <-h.unregister:
			h.handleUnregister(c)

		case op := <-h.roomOps:
			h.handleRoomOp(op)

		case msg := <-h.broadcasts:
			h.doBroadcast(msg)

		case <-sweep.C:
			h.sweepEmptyRooms()
		}
	}
}

func (h *Hub) handleRegister(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.joinLocked(nearbyAllRoom, c)
	h.mu.Unlock()

	metrics.BrokerSessionsGauge.WithLabelValues(sessionKind(c)).Inc()
}

func (h *Hub) handleUnregister(c *Client) {
	h.mu.Lock()
	for room, members := range h.rooms {
		if members[c] {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	delete(h.clients, c)
	h.mu.Unlock()

	metrics.BrokerSessionsGauge.WithLabelValues(sessionKind(c)).Dec()
	c.Close()
}

func (h *Hub) handleRoomOp(op roomOp) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if op.sub {
		h.joinLocked(op.room, op.client)
	} else {
		if members, ok := h.rooms[op.room]; ok {
			delete(members, op.client)
			if len(members) == 0 {
				delete(h.rooms, op.room)
			}
		}
	}
}

func (h *Hub) joinLocked(room string, c *Client) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[room] = members
		metrics.BrokerRoomsGauge.WithLabelValues().Set(float64(len(h.rooms)))
	}
	members[c] = true
}

func (h *Hub) sweepEmptyRooms() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, members := range h.rooms {
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	metrics.BrokerRoomsGauge.WithLabelValues().Set(float64(len(h.rooms)))
}

// doBroadcast runs on the hub goroutine, reading the room membership
// snapshot under a read lock and then sending outside it so a slow client
// send never blocks the rest of the hub loop.
func (h *Hub) doBroadcast(msg roomMessage) {
	h.mu.RLock()
	members := h.rooms[msg.room]
	targets := make([]*Client, 0, len(members))
	for c := range members {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.SafeSend(msg.payload) {
			metrics.BrokerDroppedSendsTotal.WithLabelValues(roomKind(msg.room)).Inc()
		}
	}
}

// Register enqueues a new session; readPump/writePump should be started by
// the caller once this returns.
func (h *Hub) Register(c *Client) { h.register <- c }

// Unregister tears a session down and removes it from every room.
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

// Subscribe joins a client to a room (e.g. subscribe, subscribe_fleet
// client commands map to this).
func (h *Hub) Subscribe(c *Client, room string) {
	select {
	case h.roomOps <- roomOp{client: c, room: room, sub: true}:
	default:
	}
}

// Unsubscribe leaves a room.
func (h *Hub) Unsubscribe(c *Client, room string) {
	select {
	case h.roomOps <- roomOp{client: c, room: room, sub: false}:
	default:
	}
}

// PushToRoom is the sole capability the fan-out worker holds on the broker:
// it queues a broadcast without touching the session/room map directly.
// Delivery is best-effort — a full queue drops the message rather than
// applying backpressure to the caller.
func (h *Hub) PushToRoom(room string, payload []byte) {
	select {
	case h.broadcasts <- roomMessage{room: room, payload: payload}:
	default:
		metrics.BrokerDroppedSendsTotal.WithLabelValues(roomKind(room)).Inc()
	}
}

func sessionKind(c *Client) string {
	if c.UserID == "" {
		return "anonymous"
	}
	return "authenticated"
}

func roomKind(room string) string {
	switch {
	case room == nearbyAllRoom:
		return "nearby_all"
	case len(room) >= 7 && room[:7] == "vehicle":
		return "vehicle"
	case len(room) >= 5 && room[:5] == "fleet":
		return "fleet"
	default:
		return "other"
	}
}

const nearbyAllRoom = "nearby-all"
