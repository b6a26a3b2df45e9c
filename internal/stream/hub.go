package stream

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"meridian-panel/internal/event"
	"meridian-panel/internal/metrics"
	"meridian-panel/pkg/logger"
)

// Message is one frame on the live admin feed.
type Message struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub broadcasts panel events and log lines to connected admin sessions.
// Clients that fall behind have frames dropped, never queued unbounded.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// AttachBus forwards the panel's event stream onto the feed.
func (h *Hub) AttachBus(bus *event.Bus) {
	if h == nil || bus == nil {
		return
	}

	forward := func(name string) func(payload any) {
		return func(payload any) {
			h.Broadcast(Message{Type: name, Payload: payload, Timestamp: time.Now().UTC()})
		}
	}

	for _, name := range []string{
		event.EventUserCreated,
		event.EventUserModified,
		event.EventUserDeleted,
		event.EventUserStatusChanged,
		event.EventUserUsageReset,
		event.EventUserUsagePercent,
		event.EventAdminUsageExhausted,
		event.EventNodeConnected,
		event.EventNodeStale,
		event.EventSweepCompleted,
	} {
		bus.Subscribe(name, forward(name))
	}
}

// AttachLogs streams system log entries onto the feed until the hub closes.
func (h *Hub) AttachLogs(store *logger.SystemLogStore) {
	if h == nil || store == nil {
		return
	}

	ch := store.Subscribe()
	go func() {
		defer store.Unsubscribe(ch)
		for entry := range ch {
			if h.isClosed() {
				return
			}
			h.Broadcast(Message{Type: "system.log", Payload: entry, Timestamp: entry.Timestamp})
		}
	}()
}

func (h *Hub) Broadcast(msg Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("encode stream message failed", zap.String("type", msg.Type), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.trySend(raw)
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		c.close()
		return
	}
	h.clients[c] = struct{}{}
	metrics.SetStreamClients(len(h.clients))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		metrics.SetStreamClients(len(h.clients))
	}
}

func (h *Hub) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for client := range h.clients {
		client.close()
		delete(h.clients, client)
	}
	metrics.SetStreamClients(0)
}
