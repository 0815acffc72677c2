// Package live routes tag telemetry to the viewers watching it.
//
// A Router maps each live connection to at most one device. Publishing a
// device's reading pushes it to exactly the connections currently mapped
// to that device; the transport underneath (a websocket hub in this
// gateway) is reached through the Pusher interface.
//
//	router := live.NewRouter(hub)
//	router.Subscribe(connID, "c4:7c:8d:6a:1b:2f")
//	n := router.Publish("c4:7c:8d:6a:1b:2f", reading)
//
// The router never owns connections. It only reacts to their lifecycle
// through Subscribe, Unsubscribe and OnDisconnect.
//
// Thread Safety: all methods are safe for concurrent use.
package live
