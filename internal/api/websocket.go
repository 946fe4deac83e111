package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/twinline-core/internal/auth"
	"github.com/nerrad567/twinline-core/internal/infrastructure/config"
	"github.com/nerrad567/twinline-core/internal/infrastructure/logging"
)

// Message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Event channels.
const (
	// ChannelFleet carries fleet.Event transitions.
	ChannelFleet = "fleet.state_changed"

	// ChannelAudit carries audit.Entry values once they are stored.
	ChannelAudit = "audit.recorded"
)

// wsSendBufferSize is the per-client outbound queue. A client that falls
// this far behind misses events.
const wsSendBufferSize = 256

// channelPermissions is the permission each channel requires.
var channelPermissions = map[string]auth.Permission{
	ChannelFleet: auth.PermFleetRead,
	ChannelAudit: auth.PermAuditRead,
}

// WSMessage is the envelope of every frame in both directions.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe frames.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsInbound is a client frame with its payload left undecoded.
type wsInbound struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub fans events out to subscribed WebSocket clients.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// WSClient is one connected operator console.
type WSClient struct {
	hub      *Hub
	conn     *websocket.Conn
	username string
	role     auth.Role

	mu       sync.Mutex
	channels map[string]bool
	send     chan []byte
	closed   bool
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled and then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
		c.conn.Close() //nolint:errcheck // shutdown
	}
}

func (h *Hub) add(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "username", c.username, "clients", n)
}

func (h *Hub) remove(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	h.logger.Debug("websocket client disconnected", "username", c.username, "clients", n)
}

// Broadcast sends payload as an event on channel to every subscriber.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.deliver(channel, data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWebSocket upgrades a request carrying a ticket from
// POST /auth/ws-ticket. The JWT never appears in the URL.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("ticket")
	if id == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	entry, ok := s.tickets.redeem(id)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &WSClient{
		hub:      s.hub,
		conn:     conn,
		username: entry.username,
		role:     entry.role,
		channels: make(map[string]bool),
		send:     make(chan []byte, wsSendBufferSize),
	}
	s.hub.add(c)

	go c.writeLoop()
	go c.readLoop()
}

// readLoop handles client frames until the connection fails.
func (c *WSClient) readLoop() {
	cfg := c.hub.cfg
	defer func() {
		c.hub.remove(c)
		c.conn.Close() //nolint:errcheck // already failing
	}()

	idle := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(idle)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	_ = extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read failed", "username", c.username, "error", err)
			}
			return
		}
		// Browsers do not always answer protocol pings; any frame counts.
		_ = extend()
		c.handle(data)
	}
}

// writeLoop drains the send queue and keeps the connection alive.
func (c *WSClient) writeLoop() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck // writer exit
	}()
	writeWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handle(data []byte) {
	var in wsInbound
	if err := json.Unmarshal(data, &in); err != nil {
		c.reply("", WSTypeError, errorPayload("invalid JSON message"))
		return
	}

	switch in.Type {
	case WSTypePing:
		c.reply(in.ID, WSTypePong, nil)
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var sub WSSubscribePayload
		if len(in.Payload) == 0 || json.Unmarshal(in.Payload, &sub) != nil || len(sub.Channels) == 0 {
			c.reply(in.ID, WSTypeError, errorPayload("payload must list channels"))
			return
		}
		if in.Type == WSTypeSubscribe {
			c.subscribe(in.ID, sub.Channels)
		} else {
			c.unsubscribe(in.ID, sub.Channels)
		}
	default:
		c.reply(in.ID, WSTypeError, errorPayload("unknown message type: "+in.Type))
	}
}

// subscribe adds channels when the client's role may read every one of
// them; otherwise nothing changes.
func (c *WSClient) subscribe(id string, channels []string) {
	for _, ch := range channels {
		perm, known := channelPermissions[ch]
		if !known {
			c.reply(id, WSTypeError, errorPayload("unknown channel: "+ch))
			return
		}
		if !auth.HasPermission(c.role, perm) {
			c.reply(id, WSTypeError, errorPayload("forbidden: "+ch))
			return
		}
	}

	c.mu.Lock()
	for _, ch := range channels {
		c.channels[ch] = true
	}
	c.mu.Unlock()

	c.hub.logger.Info("websocket client subscribed", "username", c.username, "channels", channels)
	c.reply(id, WSTypeResponse, map[string]any{"subscribed": channels})
}

func (c *WSClient) unsubscribe(id string, channels []string) {
	c.mu.Lock()
	for _, ch := range channels {
		delete(c.channels, ch)
	}
	c.mu.Unlock()
	c.reply(id, WSTypeResponse, map[string]any{"unsubscribed": channels})
}

// Subscriptions returns the client's channels, sorted.
func (c *WSClient) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// deliver queues an event frame if the client is subscribed to channel.
func (c *WSClient) deliver(channel string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[channel] {
		c.enqueueLocked(data)
	}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.mu.Lock()
	c.enqueueLocked(data)
	c.mu.Unlock()
}

// enqueueLocked drops the frame when the client is closed or its queue is
// full. c.mu must be held.
func (c *WSClient) enqueueLocked(data []byte) {
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("websocket client too slow, dropping frame", "username", c.username)
	}
}

// close ends the send queue once.
func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func errorPayload(msg string) map[string]string {
	return map[string]string{"message": msg}
}
