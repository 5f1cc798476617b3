// Package hub keeps the live realtime subscribers and routes frames to them
// by queue.
package hub

import (
	"log/slog"
	"sync"
)

// Subscription filters broadcasts. An empty QueueID receives everything.
type Subscription struct {
	QueueID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

// Unregister removes the client and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

// Broadcast hands payload to every client subscribed to queueID and to
// every unfiltered client. Slow clients lose the frame.
func (h *Hub) Broadcast(payload []byte, queueID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, queueID) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn("drop realtime frame", "client_id", client.ID, "queue_id", queueID)
		}
	}
}

// Reply sends a frame to one client.
func (h *Hub) Reply(client *Client, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	select {
	case client.Send <- payload:
	default:
		h.logger.Warn("drop realtime reply", "client_id", client.ID)
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func match(sub Subscription, queueID string) bool {
	return sub.QueueID == "" || queueID == "" || sub.QueueID == queueID
}
