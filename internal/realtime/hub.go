// Package realtime pushes billing changes to the desktop shell over WebSocket
package realtime

import (
	"context"
	"sync"

	"github.com/brandon/cotex-billing/internal/logger"
	"github.com/rs/zerolog"
)

// Hub maintains the set of active clients and delivers messages to them
type Hub struct {
	// Registered clients by user ID
	clientsByUser map[string]map[*Client]bool

	// Outbound messages
	broadcast chan *Message

	// Register requests from the clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	mu  sync.RWMutex
	log zerolog.Logger
}

// NewHub creates a new Hub instance
func NewHub() *Hub {
	return &Hub{
		broadcast:     make(chan *Message, 256),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		done:          make(chan struct{}),
		clientsByUser: make(map[string]map[*Client]bool),
		log:           logger.Logger(map[string]interface{}{"component": "realtime_hub"}),
	}
}

// Run processes hub traffic until ctx is cancelled, then closes every client
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if _, ok := h.clientsByUser[client.UserID]; !ok {
				h.clientsByUser[client.UserID] = make(map[*Client]bool)
			}
			h.clientsByUser[client.UserID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			if message.TargetUserID != "" {
				for client := range h.clientsByUser[message.TargetUserID] {
					h.deliver(client, message)
				}
			} else {
				for _, clients := range h.clientsByUser {
					for client := range clients {
						h.deliver(client, message)
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// deliver drops clients whose send buffer is full. Callers hold mu.
func (h *Hub) deliver(client *Client, message *Message) {
	select {
	case client.send <- message:
	default:
		h.log.Warn().Str("user_id", client.UserID).Msg("Client send buffer full, disconnecting")
		h.remove(client)
	}
}

// remove closes client.send once. Callers hold mu.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clientsByUser[client.UserID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.clientsByUser, client.UserID)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.clientsByUser {
		for client := range clients {
			h.remove(client)
		}
	}
}

// BroadcastToUser sends a message to a specific user's clients
func (h *Hub) BroadcastToUser(userID string, message *Message) {
	message.TargetUserID = userID
	h.enqueue(message)
}

// BroadcastToAll sends a message to all connected clients
func (h *Hub) BroadcastToAll(message *Message) {
	h.enqueue(message)
}

// Notify implements billing.Notifier. It never blocks the webhook path.
func (h *Hub) Notify(userID, kind string, data interface{}) {
	msg := NewBillingMessage(kind, data)
	msg.TargetUserID = userID
	h.enqueue(msg)
}

func (h *Hub) enqueue(message *Message) {
	select {
	case h.broadcast <- message:
	default:
		h.log.Warn().
			Str("user_id", message.TargetUserID).
			Str("event", message.Event).
			Msg("Hub backlog full, dropping message")
	}
}

// ConnectedUsers returns the number of users with at least one live connection
func (h *Hub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clientsByUser)
}
