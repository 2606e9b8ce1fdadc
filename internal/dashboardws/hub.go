// Package dashboardws implements component C8: a WebSocket fan-out hub for
// GET /dashboard/ws observers. Rebuilt from internal/sse/hub.go's
// subscription/broadcast shape, swapped from http.Flusher SSE to
// gorilla/websocket connections per spec.md §4.8's explicit requirement,
// and simplified from per-channel subscriptions down to a single global
// feed since every dashboard observer watches every request's progress.
package dashboardws

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yungbote/devpipe/internal/orchestrator"
	"github.com/yungbote/devpipe/internal/platform/logger"
)

// OutboundBuffer is the default per-client bounded buffer size (spec.md
// §4.8: "default 256 messages").
const OutboundBuffer = 256

type Client struct {
	ID       uuid.UUID
	conn     *websocket.Conn
	Outbound chan orchestrator.DashboardEvent
	done     chan struct{}
	closeOnce sync.Once
}

type Hub struct {
	mu      sync.RWMutex
	log     *logger.Logger
	clients map[*Client]bool
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:     log.With("component", "dashboardws.Hub"),
		clients: make(map[*Client]bool),
	}
}

// Register adds conn as a new client and returns the Client handle the
// caller's read/write goroutines drive.
func (h *Hub) Register(conn *websocket.Conn) *Client {
	c := &Client{
		ID:       uuid.New(),
		conn:     conn,
		Outbound: make(chan orchestrator.DashboardEvent, OutboundBuffer),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.log.Debug("dashboard client connected", "client_id", c.ID)
	return c
}

// Remove unregisters c and closes its underlying connection. Safe to call
// more than once.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	h.log.Debug("dashboard client disconnected", "client_id", c.ID)
}

// Broadcast fans evt out to every connected client. A client whose
// Outbound buffer is full (a slow reader) is dropped rather than blocking
// the broadcaster, mirroring SSEHub.Broadcast's select-default pattern.
func (h *Hub) Broadcast(evt orchestrator.DashboardEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.Outbound <- evt:
		default:
			h.log.Warn("dropping dashboard event, client outbound buffer full", "client_id", c.ID)
			go h.Remove(c)
		}
	}
}

// Run drains events and broadcasts each one, returning when the events
// channel is closed (the orchestrator's Run loop owns that lifetime).
func (h *Hub) Run(events <-chan orchestrator.DashboardEvent) {
	for evt := range events {
		h.Broadcast(evt)
	}
}

// ClientCount reports the number of currently connected observers, for the
// DashboardClients gauge.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
