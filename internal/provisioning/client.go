package provisioning

import (
	"context"
	"fmt"
	"time"
)

// AssignedIdentity is where the authority placed the device.
type AssignedIdentity struct {
	DeviceID    string `json:"deviceId"`
	AssignedHub string `json:"assignedHub"`
}

// DesiredProperties is the device's desired configuration as held by the hub.
type DesiredProperties map[string]any

// Authority is the capability the gateway needs from the identity authority.
type Authority interface {
	RequestRegistration(ctx context.Context, deviceID string, credential []byte) (AssignedIdentity, error)
	Connect(ctx context.Context, identity AssignedIdentity, credential []byte) (Session, error)
}

// Session is an open connection to the assigned hub.
type Session interface {
	FetchDesiredState(ctx context.Context) (DesiredProperties, error)

	// Release closes the session. It is safe to call once per session.
	Release(ctx context.Context) error
}

// Result is a successful provisioning.
type Result struct {
	Identity AssignedIdentity
	Desired  DesiredProperties
}

// Timeouts bounds each boundary call. Zero values select 15 seconds.
type Timeouts struct {
	Request time.Duration
	Connect time.Duration
	State   time.Duration
	Release time.Duration
}

const defaultCallTimeout = 15 * time.Second

func (t Timeouts) withDefaults() Timeouts {
	for _, d := range []*time.Duration{&t.Request, &t.Connect, &t.State, &t.Release} {
		if *d <= 0 {
			*d = defaultCallTimeout
		}
	}
	return t
}

// Logger defines the logging interface used by the Client.
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

// Client sequences the authority calls for one registration.
type Client struct {
	authority Authority
	timeouts  Timeouts
	logger    Logger
}

// NewClient creates a provisioning client over authority.
func NewClient(authority Authority, timeouts Timeouts) *Client {
	return &Client{
		authority: authority,
		timeouts:  timeouts.withDefaults(),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// Provision registers deviceID with the authority, connects as the device
// and reads its desired state. The session is released on every path once
// Connect has succeeded. Errors carry one of the package sentinels.
func (c *Client) Provision(ctx context.Context, deviceID string, credential []byte) (*Result, error) {
	identity, err := c.requestRegistration(ctx, deviceID, credential)
	if err != nil {
		return nil, err
	}

	session, err := c.connect(ctx, identity, credential)
	if err != nil {
		return nil, err
	}
	defer c.release(ctx, deviceID, session)

	desired, err := c.fetchDesiredState(ctx, session)
	if err != nil {
		return nil, err
	}

	return &Result{Identity: identity, Desired: desired}, nil
}

func (c *Client) requestRegistration(ctx context.Context, deviceID string, credential []byte) (AssignedIdentity, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Request)
	defer cancel()

	identity, err := c.authority.RequestRegistration(ctx, deviceID, credential)
	if err != nil {
		return AssignedIdentity{}, ensureKind(err, ErrAuthorityUnreachable, "requesting registration")
	}
	if identity.DeviceID == "" {
		identity.DeviceID = deviceID
	}
	c.logger.Debug("device assigned", "device_id", identity.DeviceID, "hub", identity.AssignedHub)
	return identity, nil
}

func (c *Client) connect(ctx context.Context, identity AssignedIdentity, credential []byte) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Connect)
	defer cancel()

	session, err := c.authority.Connect(ctx, identity, credential)
	if err != nil {
		return nil, ensureKind(err, ErrConnectionRejected, "connecting to hub")
	}
	return session, nil
}

func (c *Client) fetchDesiredState(ctx context.Context, session Session) (DesiredProperties, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.State)
	defer cancel()

	desired, err := session.FetchDesiredState(ctx)
	if err != nil {
		return nil, ensureKind(err, ErrStateUnavailable, "fetching desired state")
	}
	if desired == nil {
		desired = DesiredProperties{}
	}
	return desired, nil
}

// release runs even if the caller's context is already done.
func (c *Client) release(ctx context.Context, deviceID string, session Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeouts.Release)
	defer cancel()

	if err := session.Release(ctx); err != nil {
		c.logger.Warn("releasing hub session failed", "device_id", deviceID, "error", err)
	}
}

// ensureKind wraps err with fallback unless it already carries a kind.
func ensureKind(err, fallback error, op string) error {
	if KindOf(err) != KindNone {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, fallback, err)
}
