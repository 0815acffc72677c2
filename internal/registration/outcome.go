package registration

import (
	"errors"

	"github.com/nerrad567/tag-gateway/internal/provisioning"
)

// Sentinel errors.
var (
	// ErrInvalidRequest is returned for requests missing a device or gateway.
	ErrInvalidRequest = errors.New("registration: invalid request")

	// ErrClosed is returned by Submit after Shutdown has begun.
	ErrClosed = errors.New("registration: orchestrator closed")
)

// Phase is a workflow state.
type Phase string

// Workflow phases.
const (
	PhaseStart                  Phase = "START"
	PhaseChecking               Phase = "CHECKING"
	PhaseAlreadyBoundHere       Phase = "ALREADY_BOUND_HERE"
	PhaseBoundElsewhereOrAbsent Phase = "BOUND_ELSEWHERE_OR_ABSENT"
	PhaseProvisioning           Phase = "PROVISIONING"
	PhaseCommitting             Phase = "COMMITTING"
	PhaseFailed                 Phase = "FAILED"
	PhaseNotifying              Phase = "NOTIFYING"
	PhaseDone                   Phase = "DONE"
)

// OutcomeKind classifies a finished attempt.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomeSuccess            OutcomeKind = "success"
	OutcomeDeviceNotEligible  OutcomeKind = "device_not_eligible"
	OutcomeProvisioningFailed OutcomeKind = "provisioning_failed"
	OutcomeRaceLost           OutcomeKind = "race_lost"
	OutcomeStoreFailure       OutcomeKind = "store_failure"
)

// Reasons attached to outcomes beyond the device and provisioning kinds.
const (
	ReasonAlreadyBound = "already_bound"
	ReasonStore        = "store_failure"
)

// Messages sent to the gateway, one per outcome.
const (
	MessageSuccess           = "Registration successful"
	MessageNotEligible       = "IoT or Edge Device does not exist in database or IoT device is already assigned."
	MessageRegistrationError = "Error registering the device"
	MessageConnectionError   = "Error connecting to IoT Hub"
	MessageTwinError         = "Error retrieving twin value"
	MessageDeviceExists      = "Device already exists"
)

// Outcome is the terminal result of one attempt.
type Outcome struct {
	Kind    OutcomeKind `json:"outcome"`
	Reason  string      `json:"reason,omitempty"`
	Message string      `json:"message"`
}

// Successful reports whether the device ended bound to the requested gateway.
func (o Outcome) Successful() bool {
	return o.Kind == OutcomeSuccess
}

func successOutcome(reason string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Reason: reason, Message: MessageSuccess}
}

func notEligibleOutcome(reason string) Outcome {
	return Outcome{Kind: OutcomeDeviceNotEligible, Reason: reason, Message: MessageNotEligible}
}

func provisioningFailedOutcome(err error) Outcome {
	kind := provisioning.KindOf(err)
	if kind == provisioning.KindNone {
		kind = provisioning.KindAuthorityUnreachable
	}
	msg := MessageRegistrationError
	switch kind {
	case provisioning.KindConnectionRejected:
		msg = MessageConnectionError
	case provisioning.KindStateUnavailable:
		msg = MessageTwinError
	}
	return Outcome{Kind: OutcomeProvisioningFailed, Reason: string(kind), Message: msg}
}

func raceLostOutcome() Outcome {
	return Outcome{Kind: OutcomeRaceLost, Message: MessageDeviceExists}
}

func storeFailureOutcome() Outcome {
	return Outcome{Kind: OutcomeStoreFailure, Reason: ReasonStore, Message: MessageRegistrationError}
}
