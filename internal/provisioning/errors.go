package provisioning

import "errors"

// Failure kinds surfaced by the authority boundary.
var (
	// ErrProvisioningRejected is returned when the authority refuses the registration.
	ErrProvisioningRejected = errors.New("provisioning: registration rejected")

	// ErrAuthorityUnreachable is returned for transport failures, timeouts
	// and server-side errors during registration.
	ErrAuthorityUnreachable = errors.New("provisioning: authority unreachable")

	// ErrConnectionRejected is returned when the assigned hub refuses the device session.
	ErrConnectionRejected = errors.New("provisioning: connection rejected")

	// ErrStateUnavailable is returned when the desired state cannot be read.
	ErrStateUnavailable = errors.New("provisioning: desired state unavailable")
)

// Kind names a failure for notifications and metrics.
type Kind string

// Failure kinds.
const (
	KindNone                 Kind = ""
	KindProvisioningRejected Kind = "provisioning_rejected"
	KindAuthorityUnreachable Kind = "authority_unreachable"
	KindConnectionRejected   Kind = "connection_rejected"
	KindStateUnavailable     Kind = "state_unavailable"
)

// KindOf classifies err. Errors that carry none of the package sentinels
// report KindNone.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrProvisioningRejected):
		return KindProvisioningRejected
	case errors.Is(err, ErrAuthorityUnreachable):
		return KindAuthorityUnreachable
	case errors.Is(err, ErrConnectionRejected):
		return KindConnectionRejected
	case errors.Is(err, ErrStateUnavailable):
		return KindStateUnavailable
	default:
		return KindNone
	}
}
