package notify

import (
	"context"
	"time"

	"github.com/nerrad567/tag-gateway/internal/infrastructure/mqtt"
)

// Default direct method the edge gateway module exposes for outcomes.
const (
	DefaultModule = "RuuviTagGateway"
	DefaultMethod = "DeviceRegistrationAttempted"
)

// MethodInvoker performs one direct-method call. mqtt.MethodInvoker
// satisfies it.
type MethodInvoker interface {
	Invoke(ctx context.Context, gatewayID, module, method string, payload []byte, timeout time.Duration) (*mqtt.MethodResponse, error)
}

// MethodTransport sends notifications as direct-method calls on a fixed
// module and method of the target gateway.
type MethodTransport struct {
	invoker MethodInvoker
	module  string
	method  string
}

// NewMethodTransport creates a transport. Empty module or method select
// the defaults.
func NewMethodTransport(invoker MethodInvoker, module, method string) *MethodTransport {
	if module == "" {
		module = DefaultModule
	}
	if method == "" {
		method = DefaultMethod
	}
	return &MethodTransport{invoker: invoker, module: module, method: method}
}

// Send invokes the method and treats any non-error reply as the ack.
func (t *MethodTransport) Send(ctx context.Context, targetID string, payload []byte, timeout time.Duration) error {
	_, err := t.invoker.Invoke(ctx, targetID, t.module, t.method, payload, timeout)
	return err
}
