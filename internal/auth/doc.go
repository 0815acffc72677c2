// Package auth authenticates the upstream relay that posts envelopes to
// the gateway's webhook.
//
// Relay tokens are HS256 JWTs signed with the configured webhook secret.
// The gateway only verifies them; minting exists for operators (see the
// taggateway "token" command) and tests.
package auth
