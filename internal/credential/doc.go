// Package credential derives per-device symmetric keys from the group
// master key held by the gateway, and builds the shared access signatures
// presented to the provisioning authority.
//
// Derivation is HMAC-SHA256 keyed with the decoded master key over the
// device's registration ID. It is pure and deterministic: the same inputs
// always produce byte-identical output.
package credential
