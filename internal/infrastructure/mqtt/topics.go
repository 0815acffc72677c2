package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when the configuration leaves the prefix empty.
const DefaultTopicPrefix = "taggw"

// Topics builds the gateway's MQTT topic names under a common prefix.
//
//	topics := mqtt.NewTopics("taggw")
//	topics.MethodRequest("edge-01", "RuuviTagGateway", "DeviceRegistrationAttempted", "r1")
//	// Returns: "taggw/gateway/edge-01/methods/RuuviTagGateway/DeviceRegistrationAttempted/r1"
type Topics struct {
	prefix string
}

// NewTopics creates a topic builder. An empty prefix selects DefaultTopicPrefix.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the root of every topic.
func (t Topics) Prefix() string {
	if t.prefix == "" {
		return DefaultTopicPrefix
	}
	return t.prefix
}

// SystemStatus returns the retained online/offline status topic.
//
// Example: taggw/system/status
func (t Topics) SystemStatus() string {
	return t.Prefix() + "/system/status"
}

// UplinkTelemetry returns the topic the relay publishes telemetry envelopes on.
//
// Example: taggw/uplink/telemetry
func (t Topics) UplinkTelemetry() string {
	return t.Prefix() + "/uplink/telemetry"
}

// UplinkRegistration returns the topic the relay publishes registration envelopes on.
//
// Example: taggw/uplink/registration
func (t Topics) UplinkRegistration() string {
	return t.Prefix() + "/uplink/registration"
}

// MethodRequest returns the topic for invoking a direct method on an edge gateway.
//
// Example: taggw/gateway/edge-01/methods/RuuviTagGateway/DeviceRegistrationAttempted/7f9c
func (t Topics) MethodRequest(gatewayID, module, method, requestID string) string {
	return fmt.Sprintf("%s/gateway/%s/methods/%s/%s/%s", t.Prefix(), gatewayID, module, method, requestID)
}

// MethodResponse returns the topic an edge gateway answers a method call on.
//
// Example: taggw/gateway/edge-01/methods/res/7f9c
func (t Topics) MethodResponse(gatewayID, requestID string) string {
	return fmt.Sprintf("%s/gateway/%s/methods/res/%s", t.Prefix(), gatewayID, requestID)
}

// AllMethodResponses returns a wildcard matching every method response.
//
// Example: taggw/gateway/+/methods/res/+
func (t Topics) AllMethodResponses() string {
	return t.Prefix() + "/gateway/+/methods/res/+"
}

// ParseMethodResponse extracts the gateway and request IDs from a method
// response topic. ok is false for any other topic.
func (t Topics) ParseMethodResponse(topic string) (gatewayID, requestID string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.Prefix()+"/gateway/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	// {gatewayID}/methods/res/{requestID}
	if len(parts) != 4 || parts[1] != "methods" || parts[2] != "res" || parts[0] == "" || parts[3] == "" {
		return "", "", false
	}
	return parts[0], parts[3], true
}
