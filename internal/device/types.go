package device

import "time"

// MaxIDLength bounds device and gateway identifiers.
const MaxIDLength = 128

// DeviceRecord is a registered tag device.
type DeviceRecord struct {
	ID string `json:"id"`

	// AssignedGatewayID is nil until the device has been bound to a gateway.
	AssignedGatewayID *string `json:"assigned_gateway_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsBound reports whether the device already has a gateway.
func (d *DeviceRecord) IsBound() bool {
	return d.AssignedGatewayID != nil
}

// BoundTo reports whether the device is bound to gatewayID.
func (d *DeviceRecord) BoundTo(gatewayID string) bool {
	return d.AssignedGatewayID != nil && *d.AssignedGatewayID == gatewayID
}

// GatewayRecord is an edge gateway that devices can be bound to.
type GatewayRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Reason explains why a device is not eligible.
type Reason string

// Ineligibility reasons.
const (
	ReasonNone           Reason = ""
	ReasonDeviceAbsent   Reason = "device_absent"
	ReasonGatewayAbsent  Reason = "gateway_absent"
	ReasonBoundElsewhere Reason = "bound_elsewhere"
)

// Eligibility is the answer to "may deviceID be bound to gatewayID".
// At most one of Eligible and AlreadyBoundToThisGateway is true.
type Eligibility struct {
	Eligible                  bool
	AlreadyBoundToThisGateway bool
	Reason                    Reason
}

// BindResult is the outcome of a conditional bind.
type BindResult int

// Bind results.
const (
	// BindCommitted means this call moved the device from unbound to gatewayID.
	BindCommitted BindResult = iota + 1

	// BindAlreadyHere means the device was found already bound to gatewayID.
	BindAlreadyHere

	// BindConflict means the device is bound elsewhere, or the device or
	// gateway disappeared, so the bind was not applied.
	BindConflict
)

// String returns the result name.
func (r BindResult) String() string {
	switch r {
	case BindCommitted:
		return "committed"
	case BindAlreadyHere:
		return "already_here"
	case BindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}
