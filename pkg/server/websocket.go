// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stacklok/demo-coordinator/pkg/coordinator"
	"github.com/stacklok/demo-coordinator/pkg/logger"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 4096
)

// upgrader accepts any origin: TLS termination and origin enforcement belong
// to the fronting reverse proxy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// inboundMessage is the closed set of client frames.
type inboundMessage struct {
	Type        string `json:"type"`
	InviteToken string `json:"inviteToken,omitempty"`
}

// wsConn adapts a websocket connection to coordinator.Sender. Writes are
// serialized; gorilla connections allow one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

// handleWebsocket runs one client connection: register with the coordinator,
// dispatch inbound frames, notify on close. Malformed or unknown frames get
// an error frame back and the connection stays open.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugw("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	ws := &wsConn{conn: conn}
	clientID := s.coord.Register(ws, sourceAddress(r), r.UserAgent())

	defer func() {
		s.coord.Disconnect(clientID)
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugw("websocket closed unexpectedly", "client_id", clientID, "error", err)
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = ws.Send(coordinator.NewErrorFrame("Invalid message format"))
			continue
		}

		switch msg.Type {
		case "join_queue":
			s.coord.Join(r.Context(), clientID, msg.InviteToken)
		case "leave_queue":
			s.coord.Leave(clientID)
		case "heartbeat":
			s.coord.Heartbeat(clientID)
		default:
			_ = ws.Send(coordinator.NewErrorFrame("Unknown message type: " + msg.Type))
		}
	}
}
