package device

import "errors"

// Domain errors for the device package.
//
//	if errors.Is(err, device.ErrStore) {
//	    // the relational store failed; the caller reports store_failure
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrGatewayNotFound is returned when a gateway ID does not exist.
	ErrGatewayNotFound = errors.New("device: gateway not found")

	// ErrDeviceExists is returned when creating a device with an ID that already exists.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrGatewayExists is returned when creating a gateway with an ID that already exists.
	ErrGatewayExists = errors.New("device: gateway already exists")

	// ErrInvalidID is returned for empty or oversized identifiers.
	ErrInvalidID = errors.New("device: invalid id")

	// ErrStore wraps any failure of the underlying store.
	ErrStore = errors.New("device: store failure")
)
