// Package realtime streams notifications to connected clients over WebSocket.
//
// A client connects to /v1/ws with its API key and receives the
// notifications addressed to its user. Admin clients also receive the
// notifications addressed to the admin team.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/cardescrow/internal/apperr"
	"github.com/mbd888/cardescrow/internal/auth"
	"github.com/mbd888/cardescrow/internal/escrow"
	"github.com/mbd888/cardescrow/internal/metrics"
	"github.com/mbd888/cardescrow/internal/notify"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// ErrHubBusy is returned by Deliver when the hub cannot accept more work.
var ErrHubBusy = errors.New("realtime: delivery queue full")

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Subscription narrows which notification types a client receives.
// An empty list means all types.
type Subscription struct {
	Types []notify.Type `json:"types"`
}

// Client is one WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	role   escrow.Role

	mu  sync.RWMutex
	sub Subscription
}

// Hub fans notifications out to connected clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *notify.Notification
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{}
	maxClients int

	delivered atomic.Int64
	peak      atomic.Int64
}

// NewHub creates a new hub. Call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *notify.Notification, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run is the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			if int64(n) > h.peak.Load() {
				h.peak.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "user", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))

		case n := <-h.broadcast:
			payload, err := json.Marshal(n)
			if err != nil {
				h.logger.Warn("failed to encode notification", "id", n.ID, "error", err)
				continue
			}
			var slow []*Client
			h.mu.RLock()
			for client := range h.clients {
				if !client.wants(n) {
					continue
				}
				select {
				case client.send <- payload:
					h.delivered.Add(1)
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// wants reports whether n is addressed to this client and passes its filter.
func (c *Client) wants(n *notify.Notification) bool {
	if n.Admin {
		if c.role != escrow.RoleAdmin {
			return false
		}
	} else if n.UserID != c.userID {
		return false
	}

	c.mu.RLock()
	types := c.sub.Types
	c.mu.RUnlock()
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == n.Type {
			return true
		}
	}
	return false
}

func (h *Hub) Name() string { return "websocket" }

// Deliver queues n for the connected clients it is addressed to.
// Nobody being connected is not an error.
func (h *Hub) Deliver(ctx context.Context, n *notify.Notification) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	select {
	case h.broadcast <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrHubBusy
	}
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"delivered":        h.delivered.Load(),
		"peakClients":      h.peak.Load(),
	}
}

// Handler upgrades an authenticated request to a notification stream.
// It must run behind auth.Middleware and auth.RequireAuth.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.GetActor(c)
		if !ok {
			apperr.Abort(c, auth.ErrNoAPIKey)
			return
		}

		select {
		case <-h.done:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "server shutting down"})
			return
		default:
		}

		h.mu.RLock()
		n := len(h.clients)
		h.mu.RUnlock()
		if n >= h.maxClients {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "too many connections"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		client := &Client{
			hub:    h,
			conn:   conn,
			send:   make(chan []byte, 64),
			userID: actor.ID,
			role:   actor.Role,
		}
		h.register <- client

		go client.writePump()
		go client.readPump()
	}
}

// readPump applies subscription updates and keeps the read deadline alive.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ notify.Sink = (*Hub)(nil)
