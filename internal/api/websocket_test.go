package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/tag-gateway/internal/infrastructure/config"
	"github.com/nerrad567/tag-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/tag-gateway/internal/live"
)

const wsReadTimeout = 5 * time.Second

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close()                  //nolint:errcheck // Handshake body
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck // Test cleanup
	return conn
}

func sendWS(t *testing.T, conn *websocket.Conn, msg WSMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func readWS(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // Test deadline
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

// payloadDeviceID extracts deviceId from a DEVICE_DATA payload.
func payloadDeviceID(t *testing.T, msg WSMessage) string {
	t.Helper()
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		t.Fatalf("Marshal(payload) error = %v", err)
	}
	var reading struct {
		DeviceID string `json:"deviceId"`
	}
	if err := json.Unmarshal(raw, &reading); err != nil {
		t.Fatalf("Unmarshal(payload) error = %v", err)
	}
	return reading.DeviceID
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(wsReadTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocket_SubscribeReceivesReadings(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	sendWS(t, conn, WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: map[string]string{"deviceId": "tag-1"}})
	resp := readWS(t, conn)
	if resp.Type != WSTypeResponse || resp.ID != "1" {
		t.Fatalf("response = %+v, want response with id 1", resp)
	}

	if r := env.do(t, http.MethodPost, "/webhook", telemetryEnvelope(t, "tag-2"), nil); r.StatusCode != http.StatusAccepted {
		t.Fatalf("webhook status = %d", r.StatusCode)
	}
	if r := env.do(t, http.MethodPost, "/webhook", telemetryEnvelope(t, "tag-1"), nil); r.StatusCode != http.StatusAccepted {
		t.Fatalf("webhook status = %d", r.StatusCode)
	}

	// The tag-2 reading must not arrive; the next message is tag-1's.
	event := readWS(t, conn)
	if event.Type != WSTypeEvent || event.EventType != EventDeviceData {
		t.Fatalf("event = %+v, want DEVICE_DATA event", event)
	}
	if got := payloadDeviceID(t, event); got != "tag-1" {
		t.Errorf("payload deviceId = %q, want tag-1", got)
	}
}

func TestWebSocket_SubscribeSendsLatest(t *testing.T) {
	env := newTestEnv(t)
	if r := env.do(t, http.MethodPost, "/webhook", telemetryEnvelope(t, "tag-1"), nil); r.StatusCode != http.StatusAccepted {
		t.Fatalf("webhook status = %d", r.StatusCode)
	}

	conn := dialWS(t, env)
	sendWS(t, conn, WSMessage{Type: WSTypeSubscribe, Payload: map[string]string{"deviceId": "tag-1"}})
	if resp := readWS(t, conn); resp.Type != WSTypeResponse {
		t.Fatalf("first message = %+v, want response", resp)
	}
	event := readWS(t, conn)
	if event.EventType != EventDeviceData || payloadDeviceID(t, event) != "tag-1" {
		t.Errorf("event = %+v, want tag-1 DEVICE_DATA", event)
	}
}

func TestWebSocket_UpdateSelection(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	sendWS(t, conn, WSMessage{Type: WSTypeUpdateSelection, Payload: map[string]string{"deviceId": "tag-1", "prop": "ADD"}})
	readWS(t, conn)
	waitFor(t, func() bool { return env.router.Subscribers("tag-1") == 1 })

	// Selecting another tag replaces the first.
	sendWS(t, conn, WSMessage{Type: WSTypeUpdateSelection, Payload: map[string]string{"deviceId": "tag-2", "prop": "ADD"}})
	readWS(t, conn)
	waitFor(t, func() bool { return env.router.Subscribers("tag-2") == 1 })
	if n := env.router.Subscribers("tag-1"); n != 0 {
		t.Errorf("tag-1 subscribers = %d, want 0", n)
	}

	// Removing a tag that is not selected leaves the selection alone.
	sendWS(t, conn, WSMessage{Type: WSTypeUpdateSelection, Payload: map[string]string{"deviceId": "tag-1", "prop": "REMOVE"}})
	readWS(t, conn)
	if n := env.router.Subscribers("tag-2"); n != 1 {
		t.Errorf("tag-2 subscribers = %d, want 1", n)
	}

	sendWS(t, conn, WSMessage{Type: WSTypeUpdateSelection, Payload: map[string]string{"deviceId": "tag-2", "prop": "REMOVE"}})
	readWS(t, conn)
	if n := env.router.Len(); n != 0 {
		t.Errorf("router.Len() = %d, want 0", n)
	}
}

func TestWebSocket_Unsubscribe(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	sendWS(t, conn, WSMessage{Type: WSTypeSubscribe, Payload: map[string]string{"deviceId": "tag-1"}})
	readWS(t, conn)
	sendWS(t, conn, WSMessage{Type: WSTypeUnsubscribe, ID: "2"})
	resp := readWS(t, conn)
	if resp.Type != WSTypeResponse || resp.ID != "2" {
		t.Fatalf("response = %+v", resp)
	}
	if n := env.router.Len(); n != 0 {
		t.Errorf("router.Len() = %d, want 0", n)
	}
}

func TestWebSocket_Errors(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	tests := []struct {
		name string
		msg  any
	}{
		{"unknown type", WSMessage{Type: "reboot", ID: "x"}},
		{"subscribe without device", WSMessage{Type: WSTypeSubscribe, Payload: map[string]string{}}},
		{"bad prop", WSMessage{Type: WSTypeUpdateSelection, Payload: map[string]string{"deviceId": "tag-1", "prop": "TOGGLE"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteJSON(tt.msg); err != nil {
				t.Fatalf("WriteJSON() error = %v", err)
			}
			if resp := readWS(t, conn); resp.Type != WSTypeError {
				t.Errorf("type = %q, want error", resp.Type)
			}
		})
	}
}

func TestWebSocket_Ping(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	sendWS(t, conn, WSMessage{Type: WSTypePing, ID: "p1"})
	resp := readWS(t, conn)
	if resp.Type != WSTypePong || resp.ID != "p1" {
		t.Errorf("response = %+v, want pong p1", resp)
	}
}

func TestWebSocket_DisconnectDropsSubscription(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	sendWS(t, conn, WSMessage{Type: WSTypeSubscribe, Payload: map[string]string{"deviceId": "tag-1"}})
	readWS(t, conn)
	conn.Close() //nolint:errcheck // Simulating client going away

	waitFor(t, func() bool { return env.router.Len() == 0 && env.srv.Hub().ClientCount() == 0 })

	// Publishing afterwards reaches nobody and does not fail.
	if n := env.router.Publish("tag-1", map[string]string{"deviceId": "tag-1"}); n != 0 {
		t.Errorf("Publish() = %d, want 0", n)
	}
}

func TestHub_PushUnknownConnection(t *testing.T) {
	router := live.NewRouter(nil)
	hub := NewHub(config.WebSocketConfig{}, logging.Discard(), router)

	if err := hub.Push("missing", "x"); err == nil {
		t.Error("Push(missing) error = nil, want error")
	}
	if hub.cfg.PingInterval != defaultWSPingInterval || hub.cfg.SendBuffer != wsSendBufferSize {
		t.Errorf("defaults not applied: %+v", hub.cfg)
	}
}

func TestWebSocket_RejectsDisallowedOrigin(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Config.CORS.AllowedOrigins = []string{"http://dashboard.local"} })
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	if err == nil {
		t.Fatal("Dial() succeeded for a disallowed origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %v, want 403", resp)
	}
	resp.Body.Close() //nolint:errcheck // Handshake body

	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://dashboard.local"}})
	if err != nil {
		t.Fatalf("Dial(allowed origin) error = %v", err)
	}
	resp.Body.Close() //nolint:errcheck // Handshake body
	conn.Close()      //nolint:errcheck // Test cleanup
}
