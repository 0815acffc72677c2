package mqtt

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nerrad567/tag-gateway/internal/infrastructure/config"
)

func TestBuildClientOptions(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{Host: "broker.local", Port: 8883, TLS: true, ClientID: "taggw-test"},
		Auth:   config.MQTTAuthConfig{Username: "u", Password: "p"},
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     30,
		},
	}

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://broker.local:8883" {
		t.Errorf("Servers = %v, want ssl://broker.local:8883", opts.Servers)
	}
	if opts.ClientID != "taggw-test" {
		t.Errorf("ClientID = %q, want taggw-test", opts.ClientID)
	}
	if opts.Username != "u" || opts.Password != "p" {
		t.Error("credentials not applied")
	}
	if opts.TLSConfig == nil {
		t.Error("TLSConfig = nil, want TLS config when Broker.TLS is set")
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}
}

func TestConfigureLWT(t *testing.T) {
	cfg := config.MQTTConfig{Broker: config.MQTTBrokerConfig{Host: "h", Port: 1883, ClientID: "c"}}
	opts := buildClientOptions(cfg)
	configureLWT(opts, NewTopics("site"), "c")

	if !opts.WillEnabled || opts.WillTopic != "site/system/status" || !opts.WillRetained {
		t.Errorf("will = enabled:%v topic:%q retained:%v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}

	var will map[string]string
	if err := json.Unmarshal(opts.WillPayload, &will); err != nil {
		t.Fatalf("will payload not JSON: %v", err)
	}
	if will["status"] != "offline" || will["reason"] != "unexpected_disconnect" {
		t.Errorf("will payload = %v", will)
	}
}

func TestStatusPayloads(t *testing.T) {
	tests := []struct {
		state, reason string
	}{
		{statusOnline, ""},
		{statusOffline, reasonGraceful},
	}
	for _, tt := range tests {
		var m map[string]string
		if err := json.Unmarshal(statusPayload(tt.state, "c", tt.reason), &m); err != nil {
			t.Fatalf("%s payload not JSON: %v", tt.state, err)
		}
		if m["status"] != tt.state || m["client_id"] != "c" || m["reason"] != tt.reason {
			t.Errorf("%s payload = %v", tt.state, m)
		}
		if _, ok := m["timestamp"]; !ok {
			t.Errorf("%s payload has no timestamp", tt.state)
		}
	}
}

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		broker config.MQTTBrokerConfig
		want   string
	}{
		{config.MQTTBrokerConfig{Host: "localhost", Port: 1883}, "tcp://localhost:1883"},
		{config.MQTTBrokerConfig{Host: "broker", Port: 8883, TLS: true}, "ssl://broker:8883"},
	}
	for _, tt := range tests {
		if got := brokerURL(tt.broker); got != tt.want {
			t.Errorf("brokerURL(%+v) = %q, want %q", tt.broker, got, tt.want)
		}
	}
}

func TestClient_ZeroValue(t *testing.T) {
	var c Client
	if c.IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on uninitialised client error = %v", err)
	}
	if err := c.Publish("", nil, 0, false); err != ErrInvalidTopic {
		t.Errorf("Publish(empty topic) error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Publish("t", nil, 3, false); err != ErrInvalidQoS {
		t.Errorf("Publish(qos 3) error = %v, want ErrInvalidQoS", err)
	}
	if err := c.Publish("t", nil, 1, false); err != ErrNotConnected {
		t.Errorf("Publish() while disconnected error = %v, want ErrNotConnected", err)
	}
	if err := c.Subscribe("t", 1, nil); err == nil {
		t.Error("Subscribe(nil handler) error = nil")
	}
	if err := c.Unsubscribe("t"); err != ErrNotConnected {
		t.Errorf("Unsubscribe() while disconnected error = %v, want ErrNotConnected", err)
	}
	if err := c.HealthCheck(context.Background()); err != ErrNotConnected {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}
