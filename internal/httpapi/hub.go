package httpapi

import (
	"sync"

	"github.com/google/uuid"

	"github.com/carelink/unreadsync/internal/realtime"
)

// Client is one connected push channel.
type Client struct {
	ID     string
	UserID string
	Send   chan []byte
}

// Hub tracks push clients per user. All operations are safe for concurrent
// use.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	buffer  int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{clients: map[string]map[*Client]struct{}{}, buffer: buffer}
}

func (h *Hub) Register(userID string) *Client {
	client := &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		Send:   make(chan []byte, h.buffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = map[*Client]struct{}{}
	}
	h.clients[userID][client] = struct{}{}
	return client
}

// Unregister removes client and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers, ok := h.clients[client.UserID]
	if !ok {
		return
	}
	if _, ok := subscribers[client]; !ok {
		return
	}
	delete(subscribers, client)
	if len(subscribers) == 0 {
		delete(h.clients, client.UserID)
	}
	close(client.Send)
}

// Publish sends ev to every channel of userID. Clients with a full buffer
// miss the event and catch up on their next poll.
func (h *Hub) Publish(userID string, ev realtime.Event) error {
	data, err := realtime.EncodeEvent(ev)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[userID] {
		select {
		case client.Send <- data:
		default:
		}
	}
	return nil
}

func (h *Hub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}
