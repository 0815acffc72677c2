package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/tag-gateway/internal/infrastructure/config"
	"github.com/nerrad567/tag-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/tag-gateway/internal/live"
)

// Message types on the live-view socket.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// WSTypeUpdateSelection is the dashboard's selection message:
	// payload {deviceId, prop: "ADD" | "REMOVE"}.
	WSTypeUpdateSelection = "UPDATE_DEVICE_SELECTION"

	// EventDeviceData is the event type of live readings.
	EventDeviceData = "DEVICE_DATA"
)

// Fallbacks for a zero-valued WebSocketConfig.
const (
	defaultWSMaxMessageSize = 8192
	defaultWSPingInterval   = 30
	defaultWSPongTimeout    = 10
	wsSendBufferSize        = 256
	wsIOBufferSize          = 1024
)

var (
	errUnknownConnection = errors.New("api: unknown websocket connection")
	errSendBufferFull    = errors.New("api: websocket send buffer full")
)

// WSMessage is the envelope of every frame the server writes.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

func newWSMessage(typ, id string, payload any) WSMessage {
	return WSMessage{Type: typ, ID: id, Timestamp: time.Now().UTC().Format(time.RFC3339), Payload: payload}
}

// WSSelectionPayload is the payload of subscribe and selection messages.
type WSSelectionPayload struct {
	DeviceID string `json:"deviceId"`
	Prop     string `json:"prop,omitempty"`
}

// wsTimings are the keepalive intervals derived from WebSocketConfig.
type wsTimings struct {
	ping      time.Duration // server ping period
	readWait  time.Duration // silence tolerated before the read side gives up
	writeWait time.Duration
}

// Hub owns the live-view sockets and implements live.Pusher. Which tag a
// connection follows is held by the live router, not here.
type Hub struct {
	cfg      config.WebSocketConfig
	timings  wsTimings
	logger   *logging.Logger
	router   *live.Router
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*wsConn
}

// NewHub creates a hub bound to router, filling zero config values with
// defaults.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger, router *live.Router) *Hub {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultWSMaxMessageSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultWSPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultWSPongTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = wsSendBufferSize
	}

	ping := time.Duration(cfg.PingInterval) * time.Second
	pong := time.Duration(cfg.PongTimeout) * time.Second
	return &Hub{
		cfg:     cfg,
		timings: wsTimings{ping: ping, readWait: ping + pong, writeWait: pong},
		logger:  logger,
		router:  router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsIOBufferSize,
			WriteBufferSize: wsIOBufferSize,
			// handleWebSocket checks Origin against the CORS allow-list first.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*wsConn),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*wsConn)
	h.mu.Unlock()

	for id, c := range conns {
		h.router.OnDisconnect(id)
		c.shutdown()
	}
}

func (h *Hub) add(c *wsConn) {
	h.mu.Lock()
	h.conns[c.id] = c
	n := len(h.conns)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "conn_id", c.id, "clients", n)
}

// remove forgets c and drops its subscription. It is safe to call after Run
// has already disconnected everyone.
func (h *Hub) remove(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	n := len(h.conns)
	h.mu.Unlock()

	h.router.OnDisconnect(c.id)
	c.closeSend()
	h.logger.Debug("websocket client disconnected", "conn_id", c.id, "clients", n)
}

// Push sends one DEVICE_DATA event to connID.
func (h *Hub) Push(connID string, payload any) error {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return errUnknownConnection
	}

	msg := newWSMessage(WSTypeEvent, "", payload)
	msg.EventType = EventDeviceData
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if !c.enqueue(data) {
		return errSendBufferFull
	}
	return nil
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
