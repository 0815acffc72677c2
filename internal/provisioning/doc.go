// Package provisioning talks to the external device identity authority.
//
// A registration crosses three boundary calls, each with its own timeout:
//
//  1. RequestRegistration: ask the authority to assign the device to a hub.
//  2. Connect: open a session to the assigned hub as the device.
//  3. FetchDesiredState: read the device's desired properties.
//
// Client.Provision sequences them, always releases the session once it is
// opened, and preserves the failure kind (see KindOf). It never retries
// itself: the registration orchestrator retries KindAuthorityUnreachable
// failures with backoff, and business failures end the attempt.
//
// Two Authority implementations are provided: HTTPAuthority speaks the
// authority's REST profile, and MockAuthority assigns every device without
// touching the network for local development.
package provisioning
