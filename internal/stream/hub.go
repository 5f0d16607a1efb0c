// Package stream pushes balance and trade updates to websocket clients.
package stream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coinpeak/ledger-engine/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Event is one update pushed to subscribers. Channel is "wallet" or
// "trade"; Payload is the updated resource.
type Event struct {
	Channel string    `json:"channel"`
	UserID  string    `json:"user_id"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Hub fans events out to connected clients. Clients subscribed to a
// user ID receive only that user's events; a client with no user ID
// receives everything.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	events     chan Event
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

// NewHub creates a hub. Call Run in its own goroutine before serving.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		events:     make(chan Event, 256),
	}
}

// Run owns the client set. It exits when the hub's channels are closed,
// which never happens in practice; the process just dies with it.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			metrics.WSClients.Inc()
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				metrics.WSClients.Dec()
			}
		case ev := <-h.events:
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("marshal stream event", "error", err)
				continue
			}
			for c := range h.clients {
				if c.userID != "" && c.userID != ev.UserID {
					continue
				}
				select {
				case c.send <- data:
				default:
					delete(h.clients, c)
					close(c.send)
					metrics.WSClients.Dec()
				}
			}
		}
	}
}

// Publish queues an event for broadcast. Drops the event if the hub is
// backed up rather than blocking the caller.
func (h *Hub) Publish(ev Event) {
	select {
	case h.events <- ev:
	default:
		slog.Warn("stream event dropped", "channel", ev.Channel, "user_id", ev.UserID)
	}
}

// ServeWS upgrades the request and attaches the client to the hub.
// The user_id query parameter scopes the subscription.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 64),
		userID: r.URL.Query().Get("user_id"),
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
