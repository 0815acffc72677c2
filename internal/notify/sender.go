package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nerrad567/tag-gateway/internal/metrics"
)

// Default delivery policy, matching the gateway's configuration defaults.
const (
	DefaultResponseTimeout = 30 * time.Second
	DefaultMaxAttempts     = 5
	DefaultInitialBackoff  = 500 * time.Millisecond
	DefaultMaxBackoff      = 30 * time.Second
)

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("notify: sender closed")

// Message is the outcome payload sent to the gateway. Sending the same
// Message twice must leave the receiver in the same state as sending it once.
type Message struct {
	RegistrationID string `json:"registrationId"`
	EdgeDeviceID   string `json:"edgeDeviceId"`
	Outcome        string `json:"outcome"`
	Reason         string `json:"reason,omitempty"`
	WasSuccessful  bool   `json:"wasSuccessful"`
	Message        string `json:"message"`
}

// Transport sends one payload to a gateway and waits for its
// acknowledgement for at most timeout.
type Transport interface {
	Send(ctx context.Context, targetID string, payload []byte, timeout time.Duration) error
}

// Logger defines the logging interface used by the sender.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Policy controls delivery timing.
type Policy struct {
	// ResponseTimeout bounds one Send.
	ResponseTimeout time.Duration
	// MaxAttempts is the total number of sends, including the first.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.ResponseTimeout <= 0 {
		p.ResponseTimeout = DefaultResponseTimeout
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// Sender is the fire-and-forget notification sender.
type Sender struct {
	transport Transport
	policy    Policy
	logger    Logger
	metrics   *metrics.Metrics

	// ctx is cancelled when Close gives up waiting, cutting retries short.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewSender creates a sender delivering through t.
func NewSender(t Transport, policy Policy) *Sender {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		transport: t,
		policy:    policy.withDefaults(),
		logger:    noopLogger{},
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetLogger sets the logger for the sender.
func (s *Sender) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetMetrics attaches instrumentation. A nil value disables it.
func (s *Sender) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Notify queues msg for delivery to gatewayID and returns without waiting.
// After Close it drops the message, logs it and returns ErrClosed.
func (s *Sender) Notify(gatewayID string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Error("notification dropped after shutdown",
			"gateway_id", gatewayID,
			"registration_id", msg.RegistrationID,
			"outcome", msg.Outcome,
		)
		return ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.deliver(gatewayID, msg, payload)
	}()
	return nil
}

// deliver runs the retry loop for one notification.
func (s *Sender) deliver(gatewayID string, msg Message, payload []byte) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.policy.InitialBackoff
	bo.MaxInterval = s.policy.MaxBackoff

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		err := s.transport.Send(s.ctx, gatewayID, payload, s.policy.ResponseTimeout)
		return struct{}{}, err
	}
	notifyRetry := func(err error, wait time.Duration) {
		s.metrics.NotificationRetried()
		s.logger.Warn("notification send failed, retrying",
			"gateway_id", gatewayID,
			"registration_id", msg.RegistrationID,
			"attempt", attempt,
			"retry_in", wait,
			"error", err,
		)
	}

	_, err := backoff.Retry(s.ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(s.policy.MaxAttempts)), // #nosec G115 -- positive after withDefaults
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notifyRetry),
	)
	if err != nil {
		s.metrics.NotificationExhausted()
		s.logger.Error("notification abandoned",
			"gateway_id", gatewayID,
			"registration_id", msg.RegistrationID,
			"outcome", msg.Outcome,
			"attempts", attempt,
			"error", err,
		)
		return
	}

	s.metrics.NotificationDelivered()
	s.logger.Info("notification delivered",
		"gateway_id", gatewayID,
		"registration_id", msg.RegistrationID,
		"outcome", msg.Outcome,
		"attempts", attempt,
	)
}

// Wait blocks until every queued notification has been delivered or
// abandoned.
func (s *Sender) Wait() {
	s.wg.Wait()
}

// Close stops accepting notifications and waits for in-flight deliveries,
// up to ctx's deadline. If ctx ends first, pending retries are aborted and
// ctx's error is returned.
func (s *Sender) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return fmt.Errorf("notify: close: %w", ctx.Err())
	}
}
