package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	selectionAdd    = "ADD"
	selectionRemove = "REMOVE"
)

// wsInbound is a frame read from a dashboard.
type wsInbound struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsConn is one dashboard connection: a read loop handling requests and a
// write loop draining send.
type wsConn struct {
	id   string
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// handleWebSocket upgrades the request to a live-view connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && !s.isAllowedOrigin(origin) {
		writeStatus(w, http.StatusForbidden, "origin not allowed")
		return
	}

	ws, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "request_id", requestID(r))
		return
	}

	c := &wsConn{
		id:   uuid.NewString(),
		hub:  s.hub,
		ws:   ws,
		send: make(chan []byte, s.hub.cfg.SendBuffer),
	}
	s.hub.add(c)

	go c.writeLoop()
	go c.readLoop()
}

// enqueue reports false if the connection is closed or its buffer is full.
func (c *wsConn) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend ends the write loop. Repeated calls are no-ops.
func (c *wsConn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// shutdown closes the socket as well, unblocking the read loop.
func (c *wsConn) shutdown() {
	c.closeSend()
	c.ws.Close() //nolint:errcheck // already tearing down
}

func (c *wsConn) readLoop() {
	defer func() {
		c.hub.remove(c)
		c.ws.Close() //nolint:errcheck // already tearing down
	}()

	t := c.hub.timings
	extend := func() error { return c.ws.SetReadDeadline(time.Now().Add(t.readWait)) }

	c.ws.SetReadLimit(int64(c.hub.cfg.MaxMessageSize))
	extend() //nolint:errcheck // a failed deadline surfaces as a read error
	c.ws.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "conn_id", c.id, "error", err)
			}
			return
		}
		extend() //nolint:errcheck // a failed deadline surfaces as a read error
		c.handle(data)
	}
}

func (c *wsConn) writeLoop() {
	t := c.hub.timings
	ticker := time.NewTicker(t.ping)
	defer func() {
		ticker.Stop()
		c.ws.Close() //nolint:errcheck // already tearing down
	}()

	write := func(kind int, data []byte) error {
		c.ws.SetWriteDeadline(time.Now().Add(t.writeWait)) //nolint:errcheck // write reports the failure
		return c.ws.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil) //nolint:errcheck // peer may be gone
				return
			}
			if write(websocket.TextMessage, data) != nil {
				return
			}
		case <-ticker.C:
			if write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

func (c *wsConn) handle(data []byte) {
	var msg wsInbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.fail("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypePing:
		c.reply(WSTypePong, msg.ID, nil)
	case WSTypeSubscribe:
		if sel, ok := c.selection(msg); ok {
			c.follow(msg.ID, sel.DeviceID)
		}
	case WSTypeUnsubscribe:
		c.unfollow(msg.ID)
	case WSTypeUpdateSelection:
		sel, ok := c.selection(msg)
		if !ok {
			return
		}
		switch sel.Prop {
		case selectionAdd:
			c.follow(msg.ID, sel.DeviceID)
		case selectionRemove:
			// Only the currently selected tag can be removed.
			if current, ok := c.hub.router.SubscriptionOf(c.id); ok && current == sel.DeviceID {
				c.unfollow(msg.ID)
			} else {
				c.reply(WSTypeResponse, msg.ID, map[string]string{"unsubscribed": sel.DeviceID})
			}
		default:
			c.fail(msg.ID, "prop must be ADD or REMOVE")
		}
	default:
		c.fail(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *wsConn) selection(msg wsInbound) (WSSelectionPayload, bool) {
	var sel WSSelectionPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &sel); err != nil {
			c.fail(msg.ID, "invalid payload")
			return sel, false
		}
	}
	if sel.DeviceID == "" {
		c.fail(msg.ID, "payload.deviceId is required")
		return sel, false
	}
	return sel, true
}

// follow points the connection at deviceID and replays the router's latest
// reading for it, if there is one.
func (c *wsConn) follow(id, deviceID string) {
	latest, ok := c.hub.router.Subscribe(c.id, deviceID)
	c.reply(WSTypeResponse, id, map[string]string{"subscribed": deviceID})
	if ok {
		c.hub.Push(c.id, latest) //nolint:errcheck // connection may be gone
	}
}

func (c *wsConn) unfollow(id string) {
	deviceID, _ := c.hub.router.SubscriptionOf(c.id)
	c.hub.router.Unsubscribe(c.id)
	c.reply(WSTypeResponse, id, map[string]string{"unsubscribed": deviceID})
}

func (c *wsConn) reply(typ, id string, payload any) {
	data, err := json.Marshal(newWSMessage(typ, id, payload))
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *wsConn) fail(id, message string) {
	c.reply(WSTypeError, id, map[string]string{"message": message})
}
