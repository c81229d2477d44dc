package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/kiwari-pos/dispatch/internal/enum"
	"github.com/rs/zerolog/log"
)

// AllOrdersTopic receives every order event; per-order topics are the
// order ID.
const AllOrdersTopic = "orders"

// Event represents a WebSocket message to be broadcast
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// topicEvent is an internal struct for routing events to specific topics
type topicEvent struct {
	Topics []string
	Event  Event
}

// Hub maintains the set of active clients and broadcasts messages to them
type Hub struct {
	// Registered clients by topic
	rooms map[string]map[*Client]bool

	// Inbound messages from clients (register/unregister)
	register   chan *Client
	unregister chan *Client

	// Outbound messages to broadcast
	broadcast chan *topicEvent

	// Closed when Run returns
	done chan struct{}

	// Mutex for thread-safe room access
	mu sync.RWMutex
}

// NewHub creates a new Hub instance
func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *topicEvent, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop and blocks until ctx is cancelled.
// This should be called as a goroutine: go hub.Run(ctx)
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.rooms[client.topic] == nil {
				h.rooms[client.topic] = make(map[*Client]bool)
			}
			h.rooms[client.topic][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()

		case event := <-h.broadcast:
			// Marshal event to JSON once
			message, err := json.Marshal(event.Event)
			if err != nil {
				log.Error().Err(err).Str("type", event.Event.Type).Msg("marshal websocket event")
				continue
			}

			h.mu.Lock()
			for _, topic := range event.Topics {
				for client := range h.rooms[topic] {
					select {
					case client.send <- message:
					default:
						// Client's send buffer is full, drop it
						h.removeLocked(client)
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// removeLocked closes and forgets client. Caller holds mu.
func (h *Hub) removeLocked(client *Client) {
	clients, ok := h.rooms[client.topic]
	if !ok {
		return
	}
	if _, exists := clients[client]; !exists {
		return
	}
	delete(clients, client)
	close(client.send)
	// Clean up empty rooms
	if len(clients) == 0 {
		delete(h.rooms, client.topic)
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	for _, clients := range h.rooms {
		for client := range clients {
			h.removeLocked(client)
		}
	}
	h.mu.Unlock()
	close(h.done)
}

// Broadcast sends an event to every client subscribed to any of topics.
// It is a no-op once the hub has stopped.
func (h *Hub) Broadcast(event Event, topics ...string) {
	select {
	case h.broadcast <- &topicEvent{Topics: topics, Event: event}:
	case <-h.done:
	}
}

type orderUpdatedPayload struct {
	OrderID uuid.UUID `json:"order_id"`
	Status  string    `json:"status"`
}

// NotifyOrderUpdated tells list and detail views to re-read an order.
func (h *Hub) NotifyOrderUpdated(orderID uuid.UUID, status enum.OrderStatus) {
	payload, err := json.Marshal(orderUpdatedPayload{OrderID: orderID, Status: string(status)})
	if err != nil {
		log.Error().Err(err).Msg("marshal order.updated payload")
		return
	}
	h.Broadcast(Event{Type: enum.EventOrderUpdated, Payload: payload}, AllOrdersTopic, orderID.String())
}
