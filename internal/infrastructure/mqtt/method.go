package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PubSub is the part of Client the method invoker needs.
type PubSub interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topic string) error
}

// MethodResponse is an edge gateway's answer to a direct method call.
// Status follows HTTP conventions; anything from 300 up is a failure.
type MethodResponse struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type pendingCall struct {
	gatewayID string
	reply     chan MethodResponse
}

// MethodInvoker performs request/response direct-method calls over MQTT.
//
// One wildcard subscription on {prefix}/gateway/+/methods/res/+ serves all
// calls; replies are matched to callers by request ID. Replies that arrive
// after their caller gave up are dropped.
type MethodInvoker struct {
	ps     PubSub
	topics Topics
	qos    byte

	mu      sync.Mutex
	pending map[string]pendingCall
	started bool

	newID func() string
}

// NewMethodInvoker creates an invoker publishing with qos.
func NewMethodInvoker(ps PubSub, topics Topics, qos byte) *MethodInvoker {
	return &MethodInvoker{
		ps:      ps,
		topics:  topics,
		qos:     qos,
		pending: make(map[string]pendingCall),
		newID:   uuid.NewString,
	}
}

// Start subscribes to method responses. It is idempotent.
func (m *MethodInvoker) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if err := m.ps.Subscribe(m.topics.AllMethodResponses(), m.qos, m.handleResponse); err != nil {
		return fmt.Errorf("subscribing to method responses: %w", err)
	}
	m.started = true
	return nil
}

// Stop drops the response subscription. Calls still waiting run into
// their timeout; new calls fail with ErrInvokerNotStarted.
func (m *MethodInvoker) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	if err := m.ps.Unsubscribe(m.topics.AllMethodResponses()); err != nil {
		return fmt.Errorf("unsubscribing from method responses: %w", err)
	}
	return nil
}

// Invoke calls method on module of gatewayID and waits up to timeout for
// the reply. A reply with status >= 300 is returned together with
// ErrMethodFailed. No reply in time yields ErrTimeout.
func (m *MethodInvoker) Invoke(ctx context.Context, gatewayID, module, method string, payload []byte, timeout time.Duration) (*MethodResponse, error) {
	requestID := m.newID()
	reply := make(chan MethodResponse, 1)

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil, ErrInvokerNotStarted
	}
	m.pending[requestID] = pendingCall{gatewayID: gatewayID, reply: reply}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, requestID)
		m.mu.Unlock()
	}()

	topic := m.topics.MethodRequest(gatewayID, module, method, requestID)
	if err := m.ps.Publish(topic, payload, m.qos, false); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-reply:
		if resp.Status >= http.StatusMultipleChoices {
			return &resp, fmt.Errorf("%w: %s/%s on %s answered %d", ErrMethodFailed, module, method, gatewayID, resp.Status)
		}
		return &resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s/%s on %s after %v", ErrTimeout, module, method, gatewayID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending reports calls waiting for a reply.
func (m *MethodInvoker) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *MethodInvoker) handleResponse(topic string, payload []byte) error {
	gatewayID, requestID, ok := m.topics.ParseMethodResponse(topic)
	if !ok {
		return nil
	}

	m.mu.Lock()
	call, found := m.pending[requestID]
	m.mu.Unlock()
	if !found || call.gatewayID != gatewayID {
		return nil
	}

	var resp MethodResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("decoding method response %s: %w", requestID, err)
	}

	select {
	case call.reply <- resp:
	default:
		// duplicate reply
	}
	return nil
}
