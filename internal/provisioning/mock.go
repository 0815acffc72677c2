package provisioning

import (
	"context"
	"errors"
	"sync"
)

// errSessionReleased is returned by mock sessions used after Release.
var errSessionReleased = errors.New("provisioning: session released")

// MockAuthority assigns every device to a fixed hub without network access.
// It backs the gateway's mock-register mode.
type MockAuthority struct {
	// Hub is reported as the assigned hub. Default "mock-hub.local".
	Hub string

	// Desired is returned by every session. Nil yields an empty map.
	Desired DesiredProperties

	mu       sync.Mutex
	sessions int
}

// NewMockAuthority creates a mock authority assigning to hub.
func NewMockAuthority(hub string) *MockAuthority {
	if hub == "" {
		hub = "mock-hub.local"
	}
	return &MockAuthority{Hub: hub}
}

// RequestRegistration always assigns the device.
func (m *MockAuthority) RequestRegistration(ctx context.Context, deviceID string, _ []byte) (AssignedIdentity, error) {
	if err := ctx.Err(); err != nil {
		return AssignedIdentity{}, err
	}
	return AssignedIdentity{DeviceID: deviceID, AssignedHub: m.Hub}, nil
}

// Connect always opens a session.
func (m *MockAuthority) Connect(ctx context.Context, _ AssignedIdentity, _ []byte) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions++
	m.mu.Unlock()
	return &mockSession{owner: m}, nil
}

// OpenSessions reports sessions connected but not yet released.
func (m *MockAuthority) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions
}

type mockSession struct {
	owner    *MockAuthority
	released bool
}

func (s *mockSession) FetchDesiredState(context.Context) (DesiredProperties, error) {
	if s.released {
		return nil, errSessionReleased
	}
	out := DesiredProperties{}
	for k, v := range s.owner.Desired {
		out[k] = v
	}
	return out, nil
}

func (s *mockSession) Release(context.Context) error {
	if s.released {
		return errSessionReleased
	}
	s.released = true
	s.owner.mu.Lock()
	s.owner.sessions--
	s.owner.mu.Unlock()
	return nil
}

var _ Authority = (*MockAuthority)(nil)
