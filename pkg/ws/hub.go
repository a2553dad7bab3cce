// Package ws is the browser-facing WebSocket bus: io_update broadcasts
// on every channel transition plus a 2 s heartbeat, system_update with
// host vitals, and inbound set_do commands routed to the GPIO writer.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"efio-gateway/pkg/logger"
	"efio-gateway/pkg/state"
	"efio-gateway/pkg/sysinfo"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024

	sendBuffer        = 16
	broadcastInterval = 2 * time.Second
)

// DOWriter drives one digital output; the GPIO manager provides it
type DOWriter func(channel, value int) error

// MetricsSource supplies the system_update payload
type MetricsSource interface {
	Snapshot() sysinfo.Snapshot
}

type envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type ioPayload struct {
	DI []int `json:"di"`
	DO []int `json:"do"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected panels and fans broadcasts out to them. A client
// that cannot keep up is dropped rather than allowed to stall the rest.
type Hub struct {
	ioState *state.IOState
	metrics MetricsSource
	writeDO DOWriter

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	broadcasts uint64
}

func NewHub(ioState *state.IOState, metrics MetricsSource, writeDO DOWriter) *Hub {
	return &Hub{
		ioState: ioState,
		metrics: metrics,
		writeDO: writeDO,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The panel is served from the device itself, so
			// cross-origin requests are the normal case
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start hooks the hub into the state change fan-out and launches the
// heartbeat loop
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("websocket hub already running")
	}
	h.running = true
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.mu.Unlock()

	h.ioState.Subscribe(func(state.Change) {
		h.broadcastIO()
	})

	h.wg.Add(1)
	go h.heartbeatLoop(runCtx)

	logger.LogInfo("✅ WebSocket hub started")
	return nil
}

// Stop closes every client connection and joins the heartbeat loop.
// The state listener stays registered but broadcasts to nobody.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	cancel := h.cancel
	conns := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	cancel()
	for _, c := range conns {
		h.removeClient(c)
		c.conn.Close()
	}
	h.wg.Wait()
	logger.LogInfo("🛑 WebSocket hub stopped")
}

// ClientCount is the number of connected panels
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleWS upgrades an HTTP request and services the connection
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()
	if !running {
		http.Error(w, "websocket hub not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.LogWarn("⚠️  WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	active := len(h.clients)
	h.mu.Unlock()
	logger.LogInfo("✅ WebSocket: client connected (%d active)", active)

	// New clients get the current picture immediately
	h.sendTo(c, "io_update", h.ioSnapshot())
	h.sendTo(c, "system_update", h.metrics.Snapshot())

	h.wg.Add(2)
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.wg.Done()
	defer func() {
		h.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleInbound(c, raw)
	}
}

func (h *Hub) writePump(c *client) {
	defer h.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

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

func (h *Hub) handleInbound(c *client, raw []byte) {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		h.sendError(c, "invalid message")
		return
	}

	switch env.Type {
	case "set_do":
		h.handleSetDO(c, env.Data)
	case "request_io":
		h.sendTo(c, "io_update", h.ioSnapshot())
	case "request_system":
		h.sendTo(c, "system_update", h.metrics.Snapshot())
	default:
		h.sendError(c, fmt.Sprintf("unknown message type '%s'", env.Type))
	}
}

func (h *Hub) handleSetDO(c *client, data json.RawMessage) {
	var cmd struct {
		Channel *int `json:"channel"`
		Value   *int `json:"value"`
	}
	if data != nil {
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.sendError(c, "invalid set_do payload")
			return
		}
	}
	if cmd.Channel == nil || cmd.Value == nil {
		h.sendError(c, "Missing channel or value")
		return
	}

	logger.LogInfo("⚡ WebSocket: set DO%d = %d", *cmd.Channel+1, *cmd.Value)
	if err := h.writeDO(*cmd.Channel, *cmd.Value); err != nil {
		h.sendError(c, err.Error())
		return
	}

	// A changed value reaches everyone through the state listener; the
	// direct reply also covers idempotent re-writes
	h.sendTo(c, "io_update", h.ioSnapshot())
}

func (h *Hub) heartbeatLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

// heartbeat pushes the current IO picture and host vitals to every
// client, whether or not anything changed
func (h *Hub) heartbeat() {
	h.broadcastIO()

	snap := h.metrics.Snapshot()
	h.broadcast("system_update", snap)

	h.mu.Lock()
	h.broadcasts++
	n := h.broadcasts
	h.mu.Unlock()
	if n%10 == 0 {
		logger.LogDebug("📡 Broadcast #%d: CPU=%.1f%%, RAM=%.1f%%, Temp=%.1f°C",
			n, snap.CPU.Percent, snap.Memory.Percent, snap.Temperature.Celsius)
	}
}

func (h *Hub) ioSnapshot() ioPayload {
	di := h.ioState.GetDIAll()
	do := h.ioState.GetDOAll()
	return ioPayload{DI: di[:], DO: do[:]}
}

func (h *Hub) broadcastIO() {
	h.broadcast("io_update", h.ioSnapshot())
}

func (h *Hub) broadcast(msgType string, data interface{}) {
	payload, err := json.Marshal(envelope{Type: msgType, Data: data})
	if err != nil {
		logger.LogError("❌ WebSocket marshal %s: %v", msgType, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// Slow consumer: cut it loose instead of blocking the bus
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// sendTo queues one message for a single client. The membership check
// runs under the same lock broadcast and removeClient close the send
// channel under, so a reply racing a slow-consumer drop is discarded
// instead of hitting a closed channel.
func (h *Hub) sendTo(c *client, msgType string, data interface{}) {
	payload, err := json.Marshal(envelope{Type: msgType, Data: data})
	if err != nil {
		logger.LogError("❌ WebSocket marshal %s: %v", msgType, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (h *Hub) sendError(c *client, msg string) {
	h.sendTo(c, "error", map[string]string{"message": msg})
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	active := len(h.clients)
	h.mu.Unlock()

	if ok {
		logger.LogInfo("❌ WebSocket: client disconnected (%d active)", active)
	}
}
