package mqtt

import "errors"

// Connection errors.
var (
	ErrNotConnected     = errors.New("mqtt: client not connected")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
)

// Messaging errors, returned wrapped with the broker's reason where there
// is one.
var (
	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")
	ErrInvalidQoS        = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")
	ErrInvalidTopic      = errors.New("mqtt: topic cannot be empty")
)

// Direct method errors.
var (
	// ErrTimeout means the edge gateway did not answer in time.
	ErrTimeout = errors.New("mqtt: operation timed out")

	// ErrMethodFailed means the edge gateway answered with status >= 300.
	ErrMethodFailed = errors.New("mqtt: method returned failure status")

	// ErrInvokerNotStarted is returned by Invoke before Start or after Stop.
	ErrInvokerNotStarted = errors.New("mqtt: method invoker not started")
)
