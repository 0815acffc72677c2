// Package api implements the tag gateway's HTTP and WebSocket surface.
//
// This package provides:
//   - POST /webhook, where the upstream relay delivers telemetry and
//     registration envelopes
//   - GET /ws, the live view: viewers pick one tag and receive its readings
//   - administrative endpoints for gateways, devices and registration
//     history under /api/v1
//   - health, status and Prometheus metrics endpoints
//   - chi's request ID and body limit middleware, an access log, JSON
//     panic recovery, CORS and optional bearer-token authentication for
//     the relay
//
// # Architecture
//
// Telemetry posted to the webhook goes through the ingest path, which
// publishes it to the live router before persisting it. The router pushes
// to viewers through the Hub in this package. Registration envelopes are
// handed to the orchestrator, which runs them in the background; the
// webhook answers 202 with the attempt ID without waiting.
//
// Start binds the listener before returning, so a busy port fails startup:
//
//	server, err := api.New(deps)
//	err = server.Start(ctx)
//	defer server.Close()
package api
