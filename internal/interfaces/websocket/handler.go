package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/entity"
	"github.com/stepline/stepline/internal/infrastructure/eventbus"
	"github.com/stepline/stepline/pkg/safego"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // restrict in production deployments
	},
}

// MessageType tags frames on the wire.
type MessageType string

const (
	MessageTypeEvent MessageType = "event"
	MessageTypePing  MessageType = "ping"
	MessageTypePong  MessageType = "pong"
)

// WSMessage is the wire envelope. Event frames carry one execution
// event in Data.
type WSMessage struct {
	Type      MessageType   `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
	Data      *entity.Event `json:"data,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// Client is one connected observer. A client subscribed with a session
// id only receives that session's events; without one it sees all.
type Client struct {
	ID        string
	SessionID string
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	logger    *zap.Logger
}

// Hub tracks connected clients and fans execution events out to them.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	logger     *zap.Logger
	mu         sync.RWMutex
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// Run processes client churn until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.logger.Info("Client connected",
				zap.String("client_id", client.ID),
				zap.String("session_id", client.SessionID),
			)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("Client disconnected",
				zap.String("client_id", client.ID),
			)
		}
	}
}

// Broadcast delivers one event to every matching client. Slow clients
// drop frames rather than stalling the hub.
func (h *Hub) Broadcast(event entity.Event) {
	frame := WSMessage{
		Type:      MessageTypeEvent,
		SessionID: event.SessionID,
		Data:      &event,
		Timestamp: time.Now().Unix(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("Failed to marshal event frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.SessionID != "" && client.SessionID != event.SessionID {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.logger.Debug("Dropping frame for slow client",
				zap.String("client_id", client.ID),
			)
		}
	}
}

// AttachTo subscribes the hub to the full event stream on the bus.
func (h *Hub) AttachTo(bus eventbus.Bus) {
	bus.Subscribe(eventbus.Wildcard, func(ctx context.Context, event entity.Event) {
		h.Broadcast(event)
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler upgrades HTTP requests into hub clients.
type Handler struct {
	hub    *Hub
	logger *zap.Logger
}

func NewHandler(hub *Hub, logger *zap.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: logger,
	}
}

// ServeWS handles one WebSocket connection. An optional session_id
// query parameter scopes the stream to a single session.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:        uuid.NewString(),
		SessionID: r.URL.Query().Get("session_id"),
		conn:      conn,
		send:      make(chan []byte, 256),
		hub:       h.hub,
		logger:    h.logger,
	}

	h.hub.register <- client

	safego.Go(h.logger, "ws-write-pump", client.writePump)
	safego.Go(h.logger, "ws-read-pump", client.readPump)
}

// readPump consumes inbound frames. Observers only send pings; other
// frames are ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("Failed to parse frame", zap.Error(err))
			continue
		}

		if msg.Type == MessageTypePing {
			data, _ := json.Marshal(&WSMessage{
				Type:      MessageTypePong,
				Timestamp: time.Now().Unix(),
			})
			select {
			case c.send <- data:
			default:
			}
		}
	}
}

// writePump flushes outbound frames and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
