package broker

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 20 * time.Second
	pingPeriod     = 10 * time.Second
	maxMessageSize = 16 * 1024
	sendBufferSize = 256
)

// Client is one authenticated or anonymous WebSocket session. UserID is
// empty for anonymous sessions. Both kinds accept the same inbound commands
// (subscribe, unsubscribe, subscribe_fleet) and may join any room; UserID
// only labels the session. No inbound command pushes a location.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	log  *zap.Logger

	UserID string
	send   chan []byte

	closeOnce sync.Once
	closed    atomic.Bool
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string, log *zap.Logger) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		log:    log,
		UserID: userID,
		send:   make(chan []byte, sendBufferSize),
	}
}

// SafeSend enqueues a payload for delivery, never blocking and never
// panicking on a closed channel. Returns false if the session is gone or
// its buffer is full.
func (c *Client) SafeSend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// Serve starts the read/write pumps and blocks until the session ends.
// Call from the HTTP handler goroutine that accepted the upgrade.
func (c *Client) Serve() {
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("broker: read error", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// clientCommand is the inbound message shape: subscribe/unsubscribe to a
// room, or subscribe_fleet as a convenience for "fleet:{id}".
type clientCommand struct {
	Type string `json:"type"`
	Room string `json:"room,omitempty"`
	Fleet string `json:"fleet_id,omitempty"`
}

func (c *Client) handleMessage(data []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return
	}
	switch cmd.Type {
	case "subscribe":
		if cmd.Room != "" {
			c.hub.Subscribe(c, cmd.Room)
		}
	case "unsubscribe":
		if cmd.Room != "" {
			c.hub.Unsubscribe(c, cmd.Room)
		}
	case "subscribe_fleet":
		if cmd.Fleet != "" {
			c.hub.Subscribe(c, "fleet:"+cmd.Fleet)
		}
	}
}
