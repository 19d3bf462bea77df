package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/virelyx258/rstatus-server/internal/device"
	"github.com/virelyx258/rstatus-server/internal/protocol"
)

// WebSocket message types
const (
	WSTypeSnapshot = "snapshot"
	WSTypeUpsert   = "upsert"
	WSTypeRemove   = "remove"
)

const (
	wsSendBufferSize = 64
	wsPingInterval   = 30 * time.Second
	wsPongWait       = 60 * time.Second
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 512
)

// WSDevice is one registry entry as streamed to WebSocket clients
type WSDevice struct {
	DisplayName string         `json:"displayName"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	WindowTitle string         `json:"windowTitle"`
	Source      device.Address `json:"source"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// WSMessage is a message sent to WebSocket clients. A snapshot carries
// Devices; upsert and remove carry Device.
type WSMessage struct {
	Type         string     `json:"type"`
	Timestamp    string     `json:"timestamp"`
	Devices      []WSDevice `json:"devices,omitempty"`
	Device       *WSDevice  `json:"device,omitempty"`
	MigratedFrom string     `json:"migratedFrom,omitempty"`
	Remaining    *int       `json:"remaining,omitempty"`
}

func wsDevice(rec device.StatusRecord) WSDevice {
	t, name := protocol.ClassifyDisplayName(rec.DisplayName)
	return WSDevice{
		DisplayName: rec.DisplayName,
		Name:        name,
		Type:        t.String(),
		WindowTitle: rec.StatusText,
		Source:      rec.Source,
		UpdatedAt:   rec.UpdatedAt,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Hub fans registry changes out to WebSocket clients
type Hub struct {
	registry *device.Registry
	log      *zap.Logger
	clients  map[*wsClient]struct{}
	mu       sync.RWMutex
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	ready   bool
	pending [][]byte // events held back until the snapshot is queued
}

// NewHub creates a new WebSocket hub
func NewHub(registry *device.Registry, log *zap.Logger) *Hub {
	return &Hub{
		registry: registry,
		log:      log,
		clients:  make(map[*wsClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// OnChange is a device.Observer broadcasting each change
func (h *Hub) OnChange(c device.Change) {
	dev := wsDevice(c.Record)
	remaining := c.Remaining
	msg := WSMessage{
		Type:         WSTypeUpsert,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Device:       &dev,
		MigratedFrom: c.MigratedFrom,
		Remaining:    &remaining,
	}
	if c.Kind == device.ChangeRemoved {
		msg.Type = WSTypeRemove
	}
	h.Broadcast(msg)
}

// Broadcast queues msg for every client. Slow clients miss messages.
func (h *Hub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.deliver(data)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS handles GET /ws. The client is registered before the snapshot is
// taken and events are held back until the snapshot is queued. Every event
// carries the full state of one device, so replaying one the snapshot
// already reflects leaves the client in the same state.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
	}
	h.register(client)

	records := h.registry.Records()
	devices := make([]WSDevice, 0, len(records))
	for _, rec := range records {
		devices = append(devices, wsDevice(rec))
	}
	snapshot, err := json.Marshal(WSMessage{
		Type:      WSTypeSnapshot,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Devices:   devices,
	})
	if err != nil {
		h.log.Error("failed to marshal snapshot", zap.Error(err))
		snapshot = nil
	}
	client.start(snapshot)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(client *wsClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("websocket client connected", zap.Int("clients", n))
}

// unregister removes client. Only the caller that removes it from the map
// closes its send channel.
func (h *Hub) unregister(client *wsClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.log.Debug("websocket client disconnected", zap.Int("clients", n))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		client.conn.Close()
		delete(h.clients, client)
	}
}

// readPump discards client messages and keeps the read deadline moving
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// deliver queues an event, holding it back while the snapshot is pending
func (c *wsClient) deliver(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready {
		if len(c.pending) < wsSendBufferSize {
			c.pending = append(c.pending, data)
		}
		return
	}
	c.trySend(data)
}

// start queues the snapshot followed by the events held back while it was
// built
func (c *wsClient) start(snapshot []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snapshot != nil {
		c.trySend(snapshot)
	}
	for _, data := range c.pending {
		c.trySend(data)
	}
	c.pending = nil
	c.ready = true
}

// trySend drops data when the buffer is full or the client already left
func (c *wsClient) trySend(data []byte) {
	defer func() {
		recover()
	}()

	select {
	case c.send <- data:
	default:
	}
}
