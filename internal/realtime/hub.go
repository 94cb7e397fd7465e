// Package realtime owns authenticated websocket connections and event fan-out.
package realtime

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/campswap/messaging/internal/events"
	"github.com/campswap/messaging/internal/presence"
	"github.com/campswap/messaging/pkg/logger"
	"github.com/campswap/messaging/pkg/metrics"
)

// Hub maps connection handles to clients and fans events out to per-user
// groups. Group membership lives in the presence registry.
type Hub struct {
	registry *presence.Registry
	logger   *logger.Logger
	now      func() time.Time

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates a hub over registry. Call registry.Subscribe(hub) to
// broadcast presence transitions.
func NewHub(registry *presence.Registry, log *logger.Logger) *Hub {
	return &Hub{
		registry: registry,
		logger:   log.Named("hub"),
		now:      func() time.Time { return time.Now().UTC() },
		clients:  make(map[string]*Client),
	}
}

// Register joins c to its user's group.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()

	h.registry.Connect(c.UserID, c.ID)
	metrics.IncrementRealtimeConnections()
}

// Unregister removes c from its group and stops it.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.ID]
	delete(h.clients, c.ID)
	h.mu.Unlock()

	// Remove membership before closing so broadcasters never see a half-closed client.
	if ok {
		h.registry.Disconnect(c.UserID, c.ID)
		metrics.DecrementRealtimeConnections()
	}
	c.Close()
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SendToUser implements service.Broadcaster.
func (h *Hub) SendToUser(userID string, ev events.Outbound) {
	handles := h.registry.BroadcastTargets(userID)
	if len(handles) == 0 {
		return
	}
	f, ok := h.encode(ev)
	if !ok {
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(handles))
	for _, id := range handles {
		if c, ok := h.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, f)
	}
}

// SendToClient enqueues ev on a single connection.
func (h *Hub) SendToClient(c *Client, ev events.Outbound) bool {
	f, ok := h.encode(ev)
	if !ok {
		return false
	}
	return h.deliver(c, f)
}

// Broadcast enqueues ev on every connection.
func (h *Hub) Broadcast(ev events.Outbound) {
	f, ok := h.encode(ev)
	if !ok {
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, f)
	}
}

// UserOnline implements presence.Listener.
func (h *Hub) UserOnline(userID string) {
	h.Broadcast(events.UserOnline{UserID: userID})
}

// UserOffline implements presence.Listener.
func (h *Hub) UserOffline(userID string, lastSeen time.Time) {
	h.Broadcast(events.UserOffline{UserID: userID, LastSeen: lastSeen})
}

func (h *Hub) encode(ev events.Outbound) (frame, bool) {
	data, err := events.Encode(ev, h.now())
	if err != nil {
		h.logger.Error("encode outbound event", logger.Event(ev.Type()), zap.Error(err))
		return frame{}, false
	}
	return frame{typ: ev.Type(), data: data}, true
}

func (h *Hub) deliver(c *Client, f frame) bool {
	if !c.enqueue(f) {
		metrics.RealtimeEventsDropped.WithLabelValues(f.typ).Inc()
		h.logger.Debug("outbound frame dropped",
			logger.ConnID(c.ID),
			logger.UserID(c.UserID),
			logger.Event(f.typ),
		)
		return false
	}
	metrics.RealtimeEventsOut.WithLabelValues(f.typ).Inc()
	return true
}
