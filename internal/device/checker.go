package device

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const defaultStoreTimeout = 5 * time.Second

// AvailabilityChecker decides whether a device may be registered to a gateway.
type AvailabilityChecker struct {
	store   Store
	timeout time.Duration
}

// NewAvailabilityChecker creates a checker. Each store call made by
// CheckEligible is bounded by timeout; zero selects a 5 second default.
func NewAvailabilityChecker(store Store, timeout time.Duration) *AvailabilityChecker {
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &AvailabilityChecker{store: store, timeout: timeout}
}

// CheckEligible reports the device's eligibility for gatewayID.
//
//   - device exists, unbound, gateway exists: Eligible
//   - device bound to exactly gatewayID: AlreadyBoundToThisGateway
//   - otherwise neither, with a Reason
//
// Store failures are returned wrapped in ErrStore.
func (c *AvailabilityChecker) CheckEligible(ctx context.Context, deviceID, gatewayID string) (Eligibility, error) {
	dev, err := c.getDevice(ctx, deviceID)
	if errors.Is(err, ErrDeviceNotFound) {
		return Eligibility{Reason: ReasonDeviceAbsent}, nil
	}
	if err != nil {
		return Eligibility{}, err
	}

	if dev.IsBound() {
		if dev.BoundTo(gatewayID) {
			return Eligibility{AlreadyBoundToThisGateway: true}, nil
		}
		return Eligibility{Reason: ReasonBoundElsewhere}, nil
	}

	if err := c.gatewayExists(ctx, gatewayID); errors.Is(err, ErrGatewayNotFound) {
		return Eligibility{Reason: ReasonGatewayAbsent}, nil
	} else if err != nil {
		return Eligibility{}, err
	}

	return Eligibility{Eligible: true}, nil
}

func (c *AvailabilityChecker) getDevice(ctx context.Context, id string) (*DeviceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return storeCall(c.store.GetDevice(ctx, id))
}

func (c *AvailabilityChecker) gatewayExists(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := storeCall(c.store.GetGateway(ctx, id))
	return err
}

// storeCall normalises errors from a Store so that anything other than
// the not-found sentinels is reported as ErrStore.
func storeCall[T any](v T, err error) (T, error) {
	if err == nil || errors.Is(err, ErrStore) ||
		errors.Is(err, ErrDeviceNotFound) || errors.Is(err, ErrGatewayNotFound) {
		return v, err
	}
	var zero T
	return zero, fmt.Errorf("%w: %w", ErrStore, err)
}
