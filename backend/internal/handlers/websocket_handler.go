package handlers

import (
	"log/slog"

	"github.com/gofiber/contrib/websocket"

	"github.com/user/minibroker/backend/internal/notify"
)

// WSHandler upgrades connections into hub subscribers for the event
// stream: quotes, fills, balance and position changes.
type WSHandler struct {
	hub    *notify.Hub
	logger *slog.Logger
}

func NewWSHandler(hub *notify.Hub, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{hub: hub, logger: logger}
}

// Serve is the websocket endpoint. The handler returns once the pumps
// are running; the goroutines own the connection from then on.
func (h *WSHandler) Serve(c *websocket.Conn) {
	client := &notify.Client{
		Conn: c,
		Send: make(chan []byte, 256),
	}
	h.hub.Register <- client

	go h.writePump(client)
	h.readPump(client)
}

// writePump pumps messages from the hub to the websocket connection.
func (h *WSHandler) writePump(client *notify.Client) {
	defer client.Conn.Close()

	for message := range client.Send {
		if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
			h.hub.Unregister <- client
			return
		}
	}
	// Send closed by the hub: the client was dropped.
}

// readPump drains the connection until the client disconnects. Inbound
// messages are ignored; the stream is one-way.
func (h *WSHandler) readPump(client *notify.Client) {
	defer func() {
		h.hub.Unregister <- client
		client.Conn.Close()
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("client disconnected unexpectedly", "addr", client.Conn.RemoteAddr(), "err", err)
			}
			return
		}
	}
}
