//go:build integration

package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/tag-gateway/internal/infrastructure/config"
)

// Integration tests require a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
		TopicPrefix: "taggw-it",
	}
}

func TestIntegration_ConnectAndHealth(t *testing.T) {
	client, err := Connect(integrationConfig("taggw-it-connect"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestIntegration_ConnectRefused(t *testing.T) {
	cfg := integrationConfig("taggw-it-refused")
	cfg.Broker.Port = 19999

	if _, err := Connect(cfg); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestIntegration_MethodRoundtrip(t *testing.T) {
	gateway, err := Connect(integrationConfig("taggw-it-gw"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer gateway.Close()

	edge, err := Connect(integrationConfig("taggw-it-edge"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer edge.Close()

	topics := edge.Topics()
	err = edge.Subscribe(topics.Prefix()+"/gateway/edge-it/methods/+/+/+", 1, func(topic string, _ []byte) error {
		reqID := topic[len(topic)-36:]
		return edge.Publish(topics.MethodResponse("edge-it", reqID), []byte(`{"status":200}`), 1, false)
	})
	if err != nil {
		t.Fatalf("edge Subscribe() error = %v", err)
	}

	inv := NewMethodInvoker(gateway, gateway.Topics(), 1)
	if err := inv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	resp, err := inv.Invoke(context.Background(), "edge-it", "RuuviTagGateway", "DeviceRegistrationAttempted", []byte(`{}`), 5*time.Second)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if resp.Status != 200 {
		t.Errorf("Status = %d, want 200", resp.Status)
	}
}
