package realtime

import (
	"sync"

	"go.uber.org/zap"

	"github.com/aura-consult/relay/internal/events"
	"github.com/aura-consult/relay/pkg/metrics"
)

const (
	// PingInterval and PongWait are used for heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60
)

// Hub maps connection ids to live WebSocket clients on this instance.
// Session actors address connections through it; fan-out decisions are theirs.
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// Register adds a client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	metrics.Connections.WithLabelValues(string(c.Namespace)).Inc()
	h.logger.Debug("client connected",
		zap.String("conn_id", c.ID), zap.String("user_id", c.UserID.String()), zap.String("namespace", string(c.Namespace)))
}

// Unregister removes a client. It is safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.ID]
	delete(h.clients, c.ID)
	h.mu.Unlock()
	if !ok {
		return
	}
	metrics.Connections.WithLabelValues(string(c.Namespace)).Dec()
	h.logger.Debug("client disconnected", zap.String("conn_id", c.ID), zap.String("user_id", c.UserID.String()))
}

// Send queues frame on connection connID. It returns false if the connection is unknown or
// could not keep up and was closed.
func (h *Hub) Send(connID string, frame events.Frame) bool {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.enqueue(frame)
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
