package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Telemetry sink identifiers.
const (
	SinkSQLite   = "sqlite"
	SinkInfluxDB = "influxdb"
)

// Config is the root of config.yaml.
type Config struct {
	Gateway      GatewayConfig      `yaml:"gateway"`
	Database     DatabaseConfig     `yaml:"database"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	API          APIConfig          `yaml:"api"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	InfluxDB     InfluxDBConfig     `yaml:"influxdb"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Registration RegistrationConfig `yaml:"registration"`
	Notification NotificationConfig `yaml:"notification"`
	Logging      LoggingConfig      `yaml:"logging"`
	Security     SecurityConfig     `yaml:"security"`
}

// GatewayConfig identifies this gateway instance.
type GatewayConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path         string `yaml:"path"`
	WALMode      bool   `yaml:"wal_mode"`
	BusyTimeout  int    `yaml:"busy_timeout"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains live-view WebSocket settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
	SendBuffer     int    `yaml:"send_buffer"`
	// LatestCache bounds how many devices keep their last reading for
	// priming new viewers.
	LatestCache int `yaml:"latest_cache"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// TelemetryConfig selects where readings are appended.
type TelemetryConfig struct {
	// Sink is "sqlite" (default) or "influxdb".
	Sink string `yaml:"sink"`

	// StoreTimeout bounds a single append, in seconds.
	StoreTimeout int `yaml:"store_timeout"`

	// Authority transport failures are retried up to ProvisionAttempts
	// exchanges in total, backing off exponentially (milliseconds).
	ProvisionAttempts   int `yaml:"provision_attempts"`
	ProvisionBackoff    int `yaml:"provision_backoff_ms"`
	ProvisionMaxBackoff int `yaml:"provision_max_backoff_ms"`
}

// ProvisioningConfig contains identity-authority settings.
type ProvisioningConfig struct {
	// Host is the global provisioning endpoint, e.g. "https://global.azure-devices-provisioning.net".
	Host string `yaml:"host"`

	// IDScope is the authority's tenant scope.
	IDScope string `yaml:"id_scope"`

	// PrimaryKey is the base64 group master key devices' credentials derive from.
	PrimaryKey string `yaml:"primary_key"`

	// HubScheme is the URL scheme used to reach the assigned hub. Default "https".
	HubScheme string `yaml:"hub_scheme"`

	APIVersion string `yaml:"api_version"`

	// Per-call timeouts in seconds.
	RequestTimeout int `yaml:"request_timeout"`
	ConnectTimeout int `yaml:"connect_timeout"`
	StateTimeout   int `yaml:"state_timeout"`

	// PollInterval (milliseconds) and MaxPolls bound the assignment poll loop.
	PollInterval int `yaml:"poll_interval"`
	MaxPolls     int `yaml:"max_polls"`

	// Mock replaces the authority with an always-assigning stub.
	Mock bool `yaml:"mock"`
}

// RegistrationConfig contains orchestrator settings.
type RegistrationConfig struct {
	// StoreTimeout bounds each store call made by the workflow, in seconds.
	StoreTimeout int `yaml:"store_timeout"`
}

// NotificationConfig contains settings for registration outcome delivery.
type NotificationConfig struct {
	Module          string `yaml:"module"`
	Method          string `yaml:"method"`
	ResponseTimeout int    `yaml:"response_timeout"`
	MaxAttempts     int    `yaml:"max_attempts"`
	InitialBackoff  int    `yaml:"initial_backoff_ms"`
	MaxBackoff      int    `yaml:"max_backoff_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	Webhook WebhookAuthConfig `yaml:"webhook"`
}

// WebhookAuthConfig configures bearer-token authentication on the relay webhook.
// An empty secret disables authentication.
type WebhookAuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// ErrInvalid wraps every validation failure returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Load builds the configuration in three layers: Default, then the YAML
// file at path, then TAGGW_* environment variables. The result is
// validated before it is returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used for anything the file omits.
func Default() *Config {
	return &Config{
		Gateway:  GatewayConfig{ID: "taggw-001", Name: "Tag Gateway"},
		Database: DatabaseConfig{Path: "./data/taggateway.db", WALMode: true, BusyTimeout: 5, MaxOpenConns: 4},
		MQTT: MQTTConfig{
			Broker:      MQTTBrokerConfig{Host: "localhost", Port: 1883, ClientID: "taggateway"},
			QoS:         1,
			Reconnect:   MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 60},
			TopicPrefix: "taggw",
		},
		API: APIConfig{
			Host:     "0.0.0.0",
			Port:     3000,
			Timeouts: APITimeoutConfig{Read: 30, Write: 30, Idle: 60},
		},
		WebSocket: WebSocketConfig{Path: "/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10, SendBuffer: 256, LatestCache: 4096},
		Telemetry: TelemetryConfig{Sink: SinkSQLite, StoreTimeout: 5},
		Provisioning: ProvisioningConfig{
			Host:           "https://global.azure-devices-provisioning.net",
			HubScheme:      "https",
			APIVersion:     "2021-06-01",
			RequestTimeout: 15,
			ConnectTimeout: 15,
			StateTimeout:   15,
			PollInterval:   2000,
			MaxPolls:       10,
		},
		Registration: RegistrationConfig{
			StoreTimeout:        5,
			ProvisionAttempts:   3,
			ProvisionBackoff:    1000,
			ProvisionMaxBackoff: 10000,
		},
		Notification: NotificationConfig{
			Module:          "RuuviTagGateway",
			Method:          "DeviceRegistrationAttempted",
			ResponseTimeout: 30,
			MaxAttempts:     5,
			InitialBackoff:  500,
			MaxBackoff:      30000,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// envBinding maps environment variables onto one field. The first key is
// the TAGGW_ name; later keys are unprefixed names older deployments used.
type envBinding struct {
	keys  []string
	apply func(*Config, string)
}

var envBindings = []envBinding{
	{[]string{"TAGGW_DATABASE_PATH"}, func(c *Config, v string) { c.Database.Path = v }},
	{[]string{"TAGGW_MQTT_HOST"}, func(c *Config, v string) { c.MQTT.Broker.Host = v }},
	{[]string{"TAGGW_MQTT_USERNAME"}, func(c *Config, v string) { c.MQTT.Auth.Username = v }},
	{[]string{"TAGGW_MQTT_PASSWORD"}, func(c *Config, v string) { c.MQTT.Auth.Password = v }},
	{[]string{"TAGGW_API_HOST"}, func(c *Config, v string) { c.API.Host = v }},
	{[]string{"TAGGW_API_PORT", "PORT"}, func(c *Config, v string) {
		if port, err := strconv.Atoi(v); err == nil {
			c.API.Port = port
		}
	}},
	{[]string{"TAGGW_INFLUXDB_TOKEN"}, func(c *Config, v string) { c.InfluxDB.Token = v }},
	{[]string{"TAGGW_PROVISIONING_HOST", "PROVISIONING_HOST"}, func(c *Config, v string) { c.Provisioning.Host = v }},
	{[]string{"TAGGW_PROVISIONING_ID_SCOPE", "ID_SCOPE"}, func(c *Config, v string) { c.Provisioning.IDScope = v }},
	{[]string{"TAGGW_PROVISIONING_PRIMARY_KEY", "PRIMARY_KEY"}, func(c *Config, v string) { c.Provisioning.PrimaryKey = v }},
	// Anything but an explicit false enables mock mode.
	{[]string{"TAGGW_PROVISIONING_MOCK", "MOCKREGISTER"}, func(c *Config, v string) {
		mock, err := strconv.ParseBool(v)
		c.Provisioning.Mock = err != nil || mock
	}},
	{[]string{"TAGGW_WEBHOOK_JWT_SECRET"}, func(c *Config, v string) { c.Security.Webhook.JWTSecret = v }},
}

// applyEnvOverrides applies every binding whose variables are set. A
// prefixed name wins over its unprefixed alias.
func applyEnvOverrides(cfg *Config) {
	for _, b := range envBindings {
		for _, k := range b.keys {
			if v := os.Getenv(k); v != "" {
				b.apply(cfg, v)
				break
			}
		}
	}
}

const minWebhookSecretLength = 32

// Validate reports every problem at once, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(c.Gateway.ID != "", "gateway.id is required")
	check(c.Database.Path != "", "database.path is required")
	check(c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1, or 2")
	check(c.MQTT.TopicPrefix != "", "mqtt.topic_prefix is required")
	check(c.API.Port >= 1 && c.API.Port <= 65535, "api.port must be between 1 and 65535")

	switch c.Telemetry.Sink {
	case SinkSQLite:
	case SinkInfluxDB:
		check(c.InfluxDB.Enabled, "telemetry.sink influxdb requires influxdb.enabled")
	default:
		check(false, fmt.Sprintf("telemetry.sink must be %q or %q", SinkSQLite, SinkInfluxDB))
	}

	// Mock mode never talks to the authority, so it needs no credentials.
	if p := c.Provisioning; !p.Mock {
		check(p.Host != "", "provisioning.host is required")
		check(p.IDScope != "", "provisioning.id_scope is required")
		if p.PrimaryKey == "" {
			check(false, "provisioning.primary_key is required (set TAGGW_PROVISIONING_PRIMARY_KEY)")
		} else {
			_, err := base64.StdEncoding.DecodeString(p.PrimaryKey)
			check(err == nil, "provisioning.primary_key must be base64 encoded")
		}
	}

	check(c.Registration.ProvisionAttempts >= 1, "registration.provision_attempts must be at least 1")
	check(c.Notification.MaxAttempts >= 1, "notification.max_attempts must be at least 1")
	check(c.Notification.Module != "" && c.Notification.Method != "", "notification.module and notification.method are required")

	s := c.Security.Webhook.JWTSecret
	check(s == "" || len(s) >= minWebhookSecretLength,
		fmt.Sprintf("security.webhook.jwt_secret must be at least %d characters", minWebhookSecretLength))

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Seconds converts a whole-seconds config value to a Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts a milliseconds config value to a Duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
