package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/tag-gateway/internal/infrastructure/config"
)

// Logger is the logging surface the client uses. *logging.Logger satisfies it.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Error(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// MessageHandler receives one message. A returned error is logged with the
// topic; it does not affect acknowledgement.
type MessageHandler func(topic string, payload []byte) error

// route is a subscription kept for replay after a reconnect.
type route struct {
	qos     byte
	handler MessageHandler
}

// hooks are the optional connection callbacks.
type hooks struct {
	onConnect    func()
	onDisconnect func(err error)
}

// Client is the gateway's broker connection. It restores subscriptions
// after every reconnect, recovers handler panics and keeps the gateway's
// retained status topic current. All methods are safe for concurrent use.
type Client struct {
	client  pahomqtt.Client
	cfg     config.MQTTConfig
	topics  Topics
	started bool

	connected atomic.Bool

	mu     sync.RWMutex
	routes map[string]route
	hooks  hooks
	logger Logger
}

// Connect dials the broker and waits for the first CONNACK.
//
// The Last Will marks the gateway offline on {prefix}/system/status if it
// drops without Close; the connect handler republishes "online" on every
// (re)connect and replays subscriptions.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		topics: NewTopics(cfg.TopicPrefix),
		routes: make(map[string]route),
		logger: noopLogger{},
	}

	opts := buildClientOptions(cfg)
	configureLWT(opts, c.topics, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.onConnected() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.onConnectionLost(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.log().Warn("MQTT reconnecting", "broker", cfg.Broker.Host)
	})

	c.client = pahomqtt.NewClient(opts)
	if err := await(c.client.Connect(), defaultConnectTimeout, ErrConnectionFailed); err != nil {
		return nil, err
	}
	c.started = true
	// The connect handler runs on its own goroutine; callers may subscribe
	// as soon as Connect returns.
	c.connected.Store(true)
	return c, nil
}

func (c *Client) onConnected() {
	c.connected.Store(true)

	c.mu.RLock()
	routes := make(map[string]route, len(c.routes))
	for topic, r := range c.routes {
		routes[topic] = r
	}
	onConnect := c.hooks.onConnect
	c.mu.RUnlock()

	for topic, r := range routes {
		// Best effort: a failed replay shows up as missing traffic and is
		// retried on the next reconnect.
		c.client.Subscribe(topic, r.qos, c.dispatch(r.handler))
	}
	c.announce(statusOnline, "")

	if onConnect != nil {
		onConnect()
	}
}

func (c *Client) onConnectionLost(err error) {
	c.connected.Store(false)

	c.mu.RLock()
	onDisconnect := c.hooks.onDisconnect
	c.mu.RUnlock()
	if onDisconnect != nil {
		onDisconnect(err)
	}
}

// announce publishes the gateway's retained status without waiting.
func (c *Client) announce(state, reason string) pahomqtt.Token {
	return c.client.Publish(c.topics.SystemStatus(), byte(c.cfg.QoS), true, statusPayload(state, c.cfg.Broker.ClientID, reason))
}

// Close marks the gateway offline (distinct from the Last Will reason) and
// disconnects. Closing a client that never connected is a no-op.
func (c *Client) Close() error {
	if !c.started {
		return nil
	}
	if c.IsConnected() {
		c.announce(statusOffline, reasonGraceful).WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// Topics returns the topic builder for this client's prefix.
func (c *Client) Topics() Topics {
	return c.topics
}

// HealthCheck reports ErrNotConnected while the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports the last known link state.
func (c *Client) IsConnected() bool {
	return c.started && c.connected.Load() && c.client.IsConnected()
}

// SetOnConnect registers a callback run after every (re)connect.
func (c *Client) SetOnConnect(callback func()) {
	c.mu.Lock()
	c.hooks.onConnect = callback
	c.mu.Unlock()
}

// SetOnDisconnect registers a callback run when the link drops.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.mu.Lock()
	c.hooks.onDisconnect = callback
	c.mu.Unlock()
}

// SetLogger sets the logger used for handler errors and panics.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) log() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.logger == nil {
		return noopLogger{}
	}
	return c.logger
}

// dispatch adapts a MessageHandler to paho, logging errors and panics.
func (c *Client) dispatch(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.log().Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.log().Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
		}
	}
}
