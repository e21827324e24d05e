package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
)

// Hub maintains active dashboard connections and fans events out to all
// of them. Events are fire-and-forget: a slow client gets disconnected
// rather than stalling the broadcast.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	done chan struct{}
	log  *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run is the hub's main loop. Blocks until Stop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case data := <-h.broadcast:
			h.fanout(data)

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop terminates the hub loop and closes every connection.
func (h *Hub) Stop() {
	close(h.done)
}

// Publish serialises a dashboard event and queues it for broadcast.
// Drops the event if the broadcast buffer is full.
func (h *Hub) Publish(name string, payload any) {
	event := models.DashboardEvent{
		Name:      name,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Warn("dashboard event marshal failed", "event", name, "error", err)
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.log.Debug("dashboard broadcast buffer full, event dropped", "event", name)
	}
}

// ConnectionCount returns the number of connected dashboards.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = struct{}{}
	h.log.Debug("dashboard connected", "total", len(h.clients))
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.log.Debug("dashboard disconnected", "total", len(h.clients))
	}
}

func (h *Hub) fanout(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Buffer full: the client is too slow, cut it loose.
			delete(h.clients, client)
			close(client.send)
		}
	}
}
