package devserver

import "sync"

// Hub fans task updates out to every connected task client.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID()] = client
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	h.mu.Unlock()

	if ok {
		client.Close()
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg on every client. Clients that cannot keep up are
// dropped.
func (h *Hub) Broadcast(msg any) {
	for _, client := range h.snapshot() {
		if client.Queue(msg) {
			continue
		}
		h.Unregister(client.ID())
	}
}

// CloseAll ends every connection with the given close code.
func (h *Hub) CloseAll(code int, reason string) {
	for _, client := range h.snapshot() {
		if !client.Queue(closeFrame{code: code, reason: reason}) {
			h.Unregister(client.ID())
		}
	}
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}
