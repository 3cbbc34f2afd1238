// Package stream pushes live price updates to WebSocket subscribers.
package stream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradeboard/tradeboard/internal/prices"
)

const (
	maxMessageBytes  = 4096
	maxSubscriptions = 100
	sendBuffer       = 16
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// clientMessage is sent by subscribers.
type clientMessage struct {
	Type string   `json:"type"` // "subscribe" or "unsubscribe"
	IDs  []string `json:"ids"`
}

// serverMessage is sent to subscribers.
type serverMessage struct {
	Type  string        `json:"type"` // "prices", "subscribed" or "error"
	Data  prices.Prices `json:"data,omitempty"`
	IDs   []string      `json:"ids,omitempty"`
	Error string        `json:"error,omitempty"`
}

type client struct {
	conn *websocket.Conn
	wmu  sync.Mutex // guards writes to conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	ids map[string]struct{}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *client) subscriptions() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]struct{}, len(c.ids))
	for id := range c.ids {
		out[id] = struct{}{}
	}
	return out
}

// Hub fans price snapshots out to connected clients, filtered to each
// client's subscription. Clients that cannot keep up are dropped.
type Hub struct {
	upgrader   websocket.Upgrader
	maxClients int
	logger     *slog.Logger

	pingInterval time.Duration
	pongWait     time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}
	last    prices.Prices

	onConnChange func(n int) // optional metrics hook
}

// NewHub creates a hub accepting at most maxClients connections.
func NewHub(allowedOrigins []string, maxClients int, logger *slog.Logger) *Hub {
	if maxClients <= 0 {
		maxClients = 1000
	}
	return &Hub{
		upgrader:     makeUpgrader(allowedOrigins),
		maxClients:   maxClients,
		logger:       logger.With("component", "stream"),
		pingInterval: wsPingInterval,
		pongWait:     wsPongWait,
		clients:      make(map[*client]struct{}),
	}
}

// OnConnChange registers a callback receiving the connection count.
func (h *Hub) OnConnChange(fn func(n int)) { h.onConnChange = fn }

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves one subscriber until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		ids:  make(map[string]struct{}),
	}

	h.mu.Lock()
	if len(h.clients) >= h.maxClients {
		h.mu.Unlock()
		h.logger.Warn("too many price stream connections", "limit", h.maxClients)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"),
			time.Now().Add(wsWriteWait))
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.connChanged(n)

	defer func() {
		h.remove(c)
		c.close()
	}()

	conn.SetReadLimit(maxMessageBytes)
	stopPing := startWSKeepalive(conn, &c.wmu, h.pingInterval, h.pongWait)
	defer stopPing()

	go h.writeLoop(c)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debug("price stream client left", "error", err)
			return
		}
		var m clientMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			h.reply(c, serverMessage{Type: "error", Error: "invalid message"})
			continue
		}
		h.handle(c, m)
	}
}

func (h *Hub) handle(c *client, m clientMessage) {
	ids := prices.NormalizeIDs(m.IDs)

	c.mu.Lock()
	switch m.Type {
	case "subscribe":
		for _, id := range ids {
			if len(c.ids) >= maxSubscriptions {
				break
			}
			c.ids[id] = struct{}{}
		}
	case "unsubscribe":
		if len(ids) == 0 {
			c.ids = make(map[string]struct{})
		}
		for _, id := range ids {
			delete(c.ids, id)
		}
	default:
		c.mu.Unlock()
		h.reply(c, serverMessage{Type: "error", Error: "unknown message type"})
		return
	}
	current := make([]string, 0, len(c.ids))
	for id := range c.ids {
		current = append(current, id)
	}
	c.mu.Unlock()
	sort.Strings(current)

	h.reply(c, serverMessage{Type: "subscribed", IDs: current})

	// Send what we already know so new subscribers don't wait a full poll.
	if m.Type == "subscribe" {
		h.mu.RLock()
		last := h.last
		h.mu.RUnlock()
		if snap := last.Filter(c.subscriptions()); len(snap) > 0 {
			h.reply(c, serverMessage{Type: "prices", Data: snap})
		}
	}
}

func (h *Hub) reply(c *client, m serverMessage) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	h.enqueue(c, data)
}

// enqueue hands data to the client's writer and drops the client when its
// buffer is full.
func (h *Hub) enqueue(c *client, data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		h.logger.Info("dropping slow price stream client")
		h.remove(c)
		c.close()
		return false
	}
}

func (h *Hub) writeLoop(c *client) {
	for {
		select {
		case data := <-c.send:
			c.wmu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := c.conn.WriteMessage(websocket.TextMessage, data)
			c.wmu.Unlock()
			if err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Publish records p as the latest snapshot and pushes each client its
// subscribed subset.
func (h *Hub) Publish(p prices.Prices) {
	h.mu.Lock()
	h.last = p
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		subset := p.Filter(c.subscriptions())
		if len(subset) == 0 {
			continue
		}
		data, err := json.Marshal(serverMessage{Type: "prices", Data: subset})
		if err != nil {
			h.logger.Warn("failed to encode prices", "error", err)
			return
		}
		h.enqueue(c, data)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
	h.connChanged(0)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.connChanged(n)
	}
}

func (h *Hub) connChanged(n int) {
	if h.onConnChange != nil {
		h.onConnChange(n)
	}
}
