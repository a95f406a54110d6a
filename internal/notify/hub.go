// Package notify provides the real-time push channel for watch
// notifications. Connected operators subscribe by user id; the watcher
// service pushes each durable watch event to that user's open connections.
package notify

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/devplane/devplane/internal/common/logger"
)

// Hub manages all notification connections, keyed by user id. Clients with
// full send buffers miss messages rather than block the hub; the durable
// watch_events table remains the source of truth.
type Hub struct {
	clients     map[*Client]bool
	userClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub with no connections.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		userClients: make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan []byte, 256),
		logger:      log.WithFields(zap.String("component", "notify_hub")),
	}
}

// Run processes registration and broadcast traffic until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("notification hub started")
	defer h.logger.Info("notification hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case data := <-h.broadcast:
			h.fanOut(data)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
	if client.userID != "" {
		if _, ok := h.userClients[client.userID]; !ok {
			h.userClients[client.userID] = make(map[*Client]bool)
		}
		h.userClients[client.userID][client] = true
	}
	h.logger.Debug("client connected",
		zap.String("client_id", client.id),
		zap.String("user_id", client.userID))
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	if peers, ok := h.userClients[client.userID]; ok {
		delete(peers, client)
		if len(peers) == 0 {
			delete(h.userClients, client.userID)
		}
	}
	h.logger.Debug("client disconnected", zap.String("client_id", client.id))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.userClients = make(map[string]map[*Client]bool)
}

func (h *Hub) fanOut(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Broadcast sends a payload to every connected client.
func (h *Hub) Broadcast(payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal broadcast", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast queue full, dropping message")
	}
}

// PushToUser sends a payload to every connection a user holds. Users with no
// open connection silently miss the push; they catch up from the durable
// event log.
func (h *Hub) PushToUser(userID string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal push", zap.Error(err))
		return
	}

	h.mu.RLock()
	peers := h.userClients[userID]
	h.mu.RUnlock()

	for client := range peers {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("client send buffer full",
				zap.String("client_id", client.id),
				zap.String("user_id", userID))
		}
	}
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
