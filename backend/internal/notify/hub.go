package notify

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gofiber/contrib/websocket"

	"github.com/user/minibroker/backend/internal/pricing"
)

// Client is one websocket subscriber.
type Client struct {
	Conn *websocket.Conn
	Send chan []byte
}

// Hub fans events out to websocket subscribers. It implements Notifier.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
}

var _ Notifier = (*Hub)(nil)

// NewHub creates a hub. Run must be started for it to deliver anything.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		logger:     logger,
	}
}

// Run drives the hub's event loop. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.Unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.Send <- message:
				default:
					// Slow consumer: drop the connection, never the core.
					close(client.Send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// RelayQuotes forwards price feed updates to subscribers. Call in a
// goroutine; it returns when the channel closes.
func (h *Hub) RelayQuotes(updates <-chan pricing.Quote) {
	for q := range updates {
		h.publish("quote", q)
	}
}

func (h *Hub) publish(eventType string, data any) {
	msg, err := json.Marshal(Event{Type: eventType, Data: data})
	if err != nil {
		h.logger.Error("marshal event", "type", eventType, "err", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast buffer full, dropping event", "type", eventType)
	}
}

func (h *Hub) OrderFilled(e OrderFilledEvent)         { h.publish("order_filled", e) }
func (h *Hub) BalanceChanged(e BalanceChangedEvent)   { h.publish("balance_changed", e) }
func (h *Hub) PositionChanged(e PositionChangedEvent) { h.publish("position_changed", e) }
