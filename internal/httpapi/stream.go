package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/telemetry-hub/fleet-ingester/internal/auth"
	"github.com/telemetry-hub/fleet-ingester/internal/broker"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream upgrades to a WebSocket session for the subscription
// broker. A valid bearer token marks the session as authenticated with the
// token's user id; its absence or invalidity leaves the session anonymous.
// Every session is auto-joined to nearby-all and may subscribe to vehicle
// and fleet rooms either way.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	userID := ""
	if s.verifier != nil {
		if claims, err := auth.VerifyBearer(s.verifier, r.Header.Get("Authorization")); err == nil {
			userID = claims.UserID
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("httpapi: websocket upgrade failed", zap.Error(err))
		return
	}

	client := broker.NewClient(s.hub, conn, userID, s.logger)
	s.hub.Register(client)
	client.Serve()
}
