package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/devicekit/internal/client"
	"github.com/nerrad567/devicekit/internal/device"
	"github.com/nerrad567/devicekit/internal/infrastructure/logging"
)

// WebSocket constants.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256

	wsMaxMessageSize = 64 << 10
	wsPingInterval   = 30 * time.Second
	wsPongWait       = 60 * time.Second
	wsUnsubTimeout   = 3 * time.Second
)

// WSMessage represents a message sent to/from a WebSocket client.
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	EventType string          `json:"event_type,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// WSSubscribePayload selects one event stream of one attribute.
type WSSubscribePayload struct {
	Device    string `json:"device"`
	Attribute string `json:"attribute"`
	// Event is "change", "archive", "user" or "data_ready". Empty means change.
	Event string `json:"event,omitempty"`
}

// WSUnsubscribePayload names a subscription returned by subscribe.
type WSUnsubscribePayload struct {
	Subscription string `json:"subscription"`
}

// Hub tracks WebSocket connections and their event subscriptions.
type Hub struct {
	gw      *Gateway
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
	subs   map[string]*client.DeviceProxy
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// NewHub creates a hub whose subscriptions go through the gateway's proxies.
func NewHub(gw *Gateway, logger *logging.Logger) *Hub {
	return &Hub{
		gw:      gw,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until the context is cancelled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// Unregister removes a client and cancels its subscriptions. Only the
// goroutine that removes the client closes its send channel.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if existed {
		c.shutdown()
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriptionCount returns the number of live subscriptions of all clients.
func (h *Hub) SubscriptionCount() int {
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range clients {
		c.mu.Lock()
		n += len(c.subs)
		c.mu.Unlock()
	}
	return n
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.shutdown()
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// handleWebSocket upgrades the connection and starts the pumps.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &WSClient{
		hub:  g.hub,
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
		subs: make(map[string]*client.DeviceProxy),
	}
	g.hub.Register(c)

	go c.writePump()
	go c.readPump()
}

// shutdown cancels the subscriptions and closes the send channel.
func (c *WSClient) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]*client.DeviceProxy)
	close(c.send)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), wsUnsubTimeout)
	defer cancel()
	for id, p := range subs {
		if err := p.UnsubscribeEvent(ctx, id); err != nil {
			c.hub.logger.Debug("websocket unsubscribe failed", "subscription", id, "error", err)
		}
	}
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(wsPongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(wsPongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// handleSubscribe subscribes to an attribute event stream. Events may
// arrive before the response that carries the subscription id.
func (c *WSClient) handleSubscribe(msg WSMessage) {
	var sub WSSubscribePayload
	if err := json.Unmarshal(msg.Payload, &sub); err != nil || sub.Device == "" || sub.Attribute == "" {
		c.sendError(msg.ID, "subscribe needs device and attribute")
		return
	}
	t := device.ChangeEvent
	if sub.Event != "" {
		var err error
		if t, err = device.ParseEventType(sub.Event); err != nil {
			c.sendError(msg.ID, err.Error())
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
	defer cancel()
	p, err := c.hub.gw.proxy(ctx, sub.Device)
	if err != nil {
		c.sendError(msg.ID, err.Error())
		return
	}
	id, err := p.SubscribeEvent(ctx, sub.Attribute, t, func(ev device.Event) {
		c.sendEvent(ev)
	})
	if err != nil {
		c.sendError(msg.ID, err.Error())
		return
	}

	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.subs[id] = p
	}
	c.mu.Unlock()
	if closed {
		//nolint:errcheck // client already gone
		p.UnsubscribeEvent(ctx, id)
		return
	}

	c.hub.logger.Debug("websocket client subscribed",
		"device", sub.Device, "attribute", sub.Attribute, "event", t.String(), "subscription", id)
	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"subscription": id,
		"device":       sub.Device,
		"attribute":    sub.Attribute,
		"event":        t.String(),
	})
}

// handleUnsubscribe cancels one subscription of this client.
func (c *WSClient) handleUnsubscribe(msg WSMessage) {
	var unsub WSUnsubscribePayload
	if err := json.Unmarshal(msg.Payload, &unsub); err != nil || unsub.Subscription == "" {
		c.sendError(msg.ID, "unsubscribe needs a subscription")
		return
	}

	c.mu.Lock()
	p, ok := c.subs[unsub.Subscription]
	delete(c.subs, unsub.Subscription)
	c.mu.Unlock()
	if !ok {
		c.sendError(msg.ID, "unknown subscription: "+unsub.Subscription)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
	defer cancel()
	if err := p.UnsubscribeEvent(ctx, unsub.Subscription); err != nil {
		c.sendError(msg.ID, err.Error())
		return
	}
	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"unsubscribed": unsub.Subscription,
	})
}

func (c *WSClient) sendEvent(ev device.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		c.hub.logger.Error("failed to marshal event", "error", err)
		return
	}
	c.write(WSMessage{
		Type:      WSTypeEvent,
		EventType: ev.Type.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}

// sendResponse sends a response message to the client.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		msg.Payload = raw
	}
	c.write(msg)
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}

// write queues a message, dropping it when the client is gone or its
// buffer is full.
func (c *WSClient) write(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Debug("websocket client buffer full, message dropped")
	}
}
