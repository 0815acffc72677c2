package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/tag-gateway/internal/auth"
	"github.com/nerrad567/tag-gateway/internal/envelope"
	"github.com/nerrad567/tag-gateway/internal/infrastructure/config"
	"github.com/nerrad567/tag-gateway/internal/infrastructure/database"
	"github.com/nerrad567/tag-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/tag-gateway/internal/registration"
	"github.com/nerrad567/tag-gateway/internal/telemetry"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// writeConfig writes a minimal valid configuration into a temp dir,
// with extra YAML appended.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  path: "` + filepath.Join(dir, "test.db") + `"
provisioning:
  mock: true
logging:
  level: error
  format: text
security:
  webhook:
    jwt_secret: "` + testSecret + `"
    issuer: "test-relay"
` + extra
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, "/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_InvalidSink verifies validation errors stop startup before
// anything is opened.
func TestRun_InvalidSink(t *testing.T) {
	path := writeConfig(t, "telemetry:\n  sink: cassandra\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, path)
	if err == nil || !strings.Contains(err.Error(), "telemetry.sink") {
		t.Fatalf("run() error = %v, want telemetry.sink validation error", err)
	}
}

func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("TAGGW_CONFIG", "")
	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("TAGGW_CONFIG", expected)
	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

func TestTokenCommand(t *testing.T) {
	path := writeConfig(t, "")

	out, err := execute(t, "token", "--config", path, "--subject", "relay-7", "--ttl", "1h")
	if err != nil {
		t.Fatalf("token command error = %v", err)
	}

	claims, err := auth.ParseRelayToken(strings.TrimSpace(out), testSecret, "test-relay")
	if err != nil {
		t.Fatalf("ParseRelayToken() error = %v", err)
	}
	if claims.Subject != "relay-7" {
		t.Errorf("Subject = %q, want relay-7", claims.Subject)
	}
	if ttl := time.Until(claims.ExpiresAt.Time); ttl > time.Hour || ttl < 59*time.Minute {
		t.Errorf("token expires in %v, want about 1h", ttl)
	}
}

func TestTokenCommand_NoSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "database:\n  path: \"" + filepath.Join(dir, "t.db") + "\"\nprovisioning:\n  mock: true\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := execute(t, "token", "--config", path); err == nil {
		t.Error("token command without a secret succeeded")
	}
}

func TestMigrateCommand(t *testing.T) {
	path := writeConfig(t, "")

	out, err := execute(t, "migrate", "--config", path, "--status")
	if err != nil {
		t.Fatalf("migrate --status error = %v", err)
	}
	if !strings.Contains(out, "pending") || strings.Contains(out, "applied") {
		t.Errorf("status before migrating:\n%s", out)
	}

	out, err = execute(t, "migrate", "--config", path)
	if err != nil {
		t.Fatalf("migrate error = %v", err)
	}
	if strings.Contains(out, "pending") || !strings.Contains(out, "applied") {
		t.Errorf("status after migrating:\n%s", out)
	}
}

func TestBuildTelemetryStore_SQLite(t *testing.T) {
	db, err := database.Open(database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	cfg := &config.Config{Telemetry: config.TelemetryConfig{Sink: config.SinkSQLite}}
	store, readings := buildTelemetryStore(cfg, db, nil)
	if _, ok := store.(*telemetry.SQLiteStore); !ok {
		t.Errorf("store is %T, want *telemetry.SQLiteStore", store)
	}
	if readings == nil {
		t.Error("readings lister is nil for the SQLite sink")
	}
}

func TestBuildProvisioner(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ProvisioningConfig
		wantErr bool
	}{
		{"mock without key", config.ProvisioningConfig{Mock: true}, false},
		{"real with key", config.ProvisioningConfig{Host: "https://authority.test", IDScope: "0ne", PrimaryKey: "a2V5"}, false},
		{"real with bad key", config.ProvisioningConfig{Host: "https://authority.test", PrimaryKey: "%%%"}, true},
		{"real without key", config.ProvisioningConfig{Host: "https://authority.test"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Provisioning: tt.cfg}
			client, deriver, err := buildProvisioner(cfg, logging.Discard())
			if (err != nil) != tt.wantErr {
				t.Fatalf("buildProvisioner() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (client == nil || deriver == nil) {
				t.Error("buildProvisioner() returned nil client or deriver")
			}
		})
	}
}

// fakeIngester records accepted readings.
type fakeIngester struct {
	mu       sync.Mutex
	readings []telemetry.Reading
}

func (f *fakeIngester) Accept(_ context.Context, r telemetry.Reading) (telemetry.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = append(f.readings, r)
	return telemetry.Report{Persisted: true}, nil
}

// fakeSubmitter records registration requests.
type fakeSubmitter struct {
	mu       sync.Mutex
	requests []registration.Request
}

func (f *fakeSubmitter) Submit(req registration.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return "attempt", nil
}

func TestUplinkHandler(t *testing.T) {
	telemetryEnv, err := envelope.Encode("", map[string]any{
		"time": 1700000000, "address": "tag-1", "txPower": 4, "rssi": -60, "voltage": 3.0,
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	registrationEnv, err := envelope.Encode("", map[string]string{"address": "tag-2", "edgeDeviceId": "gw-1"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	ingester := &fakeIngester{}
	submitter := &fakeSubmitter{}
	h := &uplinkHandler{
		ctx:           context.Background(),
		telemetry:     ingester,
		registrations: submitter,
		logger:        logging.Discard(),
	}

	// Each topic only accepts its own kind.
	for _, call := range []struct {
		handler func(string, []byte) error
		payload []byte
	}{
		{h.handleTelemetry, telemetryEnv},
		{h.handleTelemetry, registrationEnv},
		{h.handleRegistration, registrationEnv},
		{h.handleRegistration, []byte("garbage")},
	} {
		if err := call.handler("taggw/uplink", call.payload); err != nil {
			t.Errorf("handler error = %v, want nil", err)
		}
	}

	if len(ingester.readings) != 1 || ingester.readings[0].DeviceID != "tag-1" {
		t.Errorf("accepted readings = %+v, want one for tag-1", ingester.readings)
	}
	want := registration.Request{DeviceID: "tag-2", GatewayID: "gw-1"}
	if len(submitter.requests) != 1 || submitter.requests[0] != want {
		t.Errorf("submitted = %+v, want [%+v]", submitter.requests, want)
	}
}
