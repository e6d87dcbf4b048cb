package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/logger"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 128
)

// StatusSource answers status requests from websocket clients.
type StatusSource interface {
	GetStatus(ctx context.Context, tenantID string) model.ConnectionStatus
}

// Authorizer reports whether the upgrade request may follow tenantID.
type Authorizer func(r *http.Request, tenantID string) bool

// Frame is a client to server websocket message.
type Frame struct {
	Type      string `json:"type"`
	CompanyID string `json:"company_id,omitempty"`
}

type reply struct {
	Type      string `json:"type"`
	CompanyID string `json:"company_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Hub keeps websocket clients in per-tenant rooms and pushes each event
// to the room of its tenant.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	rooms   map[string]map[string]*client

	status    StatusSource
	authorize Authorizer
	upgrader  websocket.Upgrader
	log       *logger.Logger
}

// NewHub creates a hub. A nil authorizer admits every subscription.
func NewHub(status StatusSource, authorize Authorizer, log *logger.Logger) *Hub {
	if authorize == nil {
		authorize = func(*http.Request, string) bool { return true }
	}
	return &Hub{
		clients:   make(map[string]*client),
		rooms:     make(map[string]map[string]*client),
		status:    status,
		authorize: authorize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// SetStatusSource installs the status source after construction, for
// sources that themselves publish through the hub.
func (h *Hub) SetStatusSource(status StatusSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
}

// ServeHTTP upgrades the request. A company_id query parameter subscribes
// the client right away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("company_id")
	if tenantID != "" && !h.authorize(r, tenantID) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		hub:  h,
		ws:   ws,
		req:  r,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.attach(c)
	if tenantID != "" {
		h.join(tenantID, c)
	}

	go c.writeLoop()
	c.readLoop()
}

// Publish sends ev to every client subscribed to its tenant.
func (h *Hub) Publish(ev model.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("marshal event", zap.Error(err))
		return
	}

	h.mu.RLock()
	room := make([]*client, 0, len(h.rooms[ev.TenantID]))
	for _, c := range h.rooms[ev.TenantID] {
		room = append(room, c)
	}
	h.mu.RUnlock()

	for _, c := range room {
		c.enqueue(payload)
	}
	metrics.EventsPublished.WithLabelValues("websocket", string(ev.Kind)).Add(float64(len(room)))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribers returns the number of clients following tenantID.
func (h *Hub) Subscribers(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[tenantID])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.close(websocket.CloseGoingAway, "server shutdown")
	}
}

func (h *Hub) attach(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	metrics.WSClients.Inc()
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	for tenantID, room := range h.rooms {
		delete(room, c.id)
		if len(room) == 0 {
			delete(h.rooms, tenantID)
		}
	}
	metrics.WSClients.Dec()
}

func (h *Hub) join(tenantID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	room := h.rooms[tenantID]
	if room == nil {
		room = make(map[string]*client)
		h.rooms[tenantID] = room
	}
	room[c.id] = c
}

func (h *Hub) leave(tenantID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room := h.rooms[tenantID]; room != nil {
		delete(room, c.id)
		if len(room) == 0 {
			delete(h.rooms, tenantID)
		}
	}
}

func (h *Hub) handle(c *client, f Frame) {
	switch f.Type {
	case "ping":
		c.reply(reply{Type: "pong"})

	case "subscribe", "unsubscribe", "status":
		if f.CompanyID == "" {
			c.reply(reply{Type: "error", Message: "company_id is required"})
			return
		}
		if !h.authorize(c.req, f.CompanyID) {
			c.reply(reply{Type: "error", CompanyID: f.CompanyID, Message: "forbidden"})
			return
		}
		switch f.Type {
		case "subscribe":
			h.join(f.CompanyID, c)
			c.reply(reply{Type: "subscribed", CompanyID: f.CompanyID})
		case "unsubscribe":
			h.leave(f.CompanyID, c)
			c.reply(reply{Type: "unsubscribed", CompanyID: f.CompanyID})
		case "status":
			h.mu.RLock()
			status := h.status
			h.mu.RUnlock()
			if status == nil {
				c.reply(reply{Type: "error", CompanyID: f.CompanyID, Message: "status unavailable"})
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			st := status.GetStatus(ctx, f.CompanyID)
			cancel()
			payload, err := json.Marshal(model.Event{
				TenantID:  f.CompanyID,
				Kind:      model.EventStatus,
				Data:      st,
				Timestamp: time.Now(),
			})
			if err == nil {
				c.enqueue(payload)
			}
		}

	default:
		c.reply(reply{Type: "error", Message: "unknown frame type " + f.Type})
	}
}

type client struct {
	id   string
	hub  *Hub
	ws   *websocket.Conn
	req  *http.Request
	send chan []byte
	done chan struct{}
	once sync.Once
}

// enqueue drops the client when its buffer is full.
func (c *client) enqueue(payload []byte) {
	select {
	case <-c.done:
	case c.send <- payload:
	default:
		c.hub.log.Warn("websocket client too slow, dropping", zap.String("client_id", c.id))
		c.close(websocket.CloseGoingAway, "send buffer full")
	}
}

func (c *client) reply(r reply) {
	payload, err := json.Marshal(r)
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func (c *client) close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		c.hub.detach(c)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *client) readLoop() {
	defer c.close(websocket.CloseNormalClosure, "")

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("websocket read failed", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.reply(reply{Type: "error", Message: "invalid frame"})
			continue
		}
		c.hub.handle(c, f)
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}
