package dashboardws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yungbote/devpipe/internal/orchestrator"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboard observers connect from operator tooling, not browser pages
	// sharing third-party cookies; origin checking is left to a reverse
	// proxy in front of this service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades r to a WebSocket, registers a Client with h, pushes an
// initial snapshot of every non-terminal request (spec.md §4.8: "the client
// may request a snapshot of all non-terminal requests"), then blocks
// running the read and write pumps until the connection closes.
func ServeWS(h *Hub, orc *orchestrator.Orchestrator, w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	client := h.Register(conn)
	defer h.Remove(client)

	for _, state := range orc.SnapshotAll() {
		if state.Terminal {
			continue
		}
		s := state
		select {
		case client.Outbound <- orchestrator.DashboardEvent{
			RequestID: s.RequestID,
			To:        s.CurrentStage,
			At:        s.LastEventAt,
			Snapshot:  true,
			State:     &s,
		}:
		default:
		}
	}

	go readPump(h, client)
	writePump(client)
	return nil
}

// readPump drains control frames (pings/close) so the connection stays
// alive; dashboard clients never send application messages. A read error
// (including the peer closing the socket) unregisters the client, which in
// turn closes client.done and stops writePump.
func readPump(h *Hub, c *Client) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.Remove(c)
			return
		}
	}
}

func writePump(c *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case evt := <-c.Outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(evt); err != nil {
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
