// Package mqtt provides MQTT client connectivity for the tag gateway.
//
// The broker carries two kinds of traffic:
//
//   - Uplink: the message relay publishes tag telemetry and registration
//     requests on {prefix}/uplink/telemetry and {prefix}/uplink/registration.
//   - Direct methods: the gateway invokes named methods on edge gateways by
//     publishing to {prefix}/gateway/{id}/methods/{module}/{method}/{requestId}
//     and correlating the reply on {prefix}/gateway/{id}/methods/res/{requestId}.
//
// The client auto-reconnects, restores its subscriptions after a reconnect
// and announces itself on {prefix}/system/status with a retained message
// and a matching Last Will.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	invoker := mqtt.NewMethodInvoker(client, client.Topics(), 1)
//	if err := invoker.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	resp, err := invoker.Invoke(ctx, "edge-01", "RuuviTagGateway",
//	    "DeviceRegistrationAttempted", payload, 30*time.Second)
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Anonymous access is only for local development
package mqtt
