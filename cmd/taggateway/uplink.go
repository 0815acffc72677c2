package main

import (
	"context"
	"errors"

	"github.com/nerrad567/tag-gateway/internal/api"
	"github.com/nerrad567/tag-gateway/internal/envelope"
	"github.com/nerrad567/tag-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/tag-gateway/internal/registration"
	"github.com/nerrad567/tag-gateway/internal/telemetry"
)

// uplinkHandler feeds envelopes arriving on MQTT uplink topics into the
// same paths the webhook uses. The topic fixes the envelope kind.
type uplinkHandler struct {
	ctx           context.Context
	telemetry     api.TelemetryIngester
	registrations api.RegistrationSubmitter
	logger        *logging.Logger
}

// handleTelemetry is the MessageHandler for the telemetry uplink topic.
func (h *uplinkHandler) handleTelemetry(topic string, payload []byte) error {
	msg, ok := h.decode(topic, payload, envelope.KindTelemetry)
	if !ok {
		return nil
	}

	_, err := h.telemetry.Accept(h.ctx, telemetry.FromEnvelope(msg.Telemetry))
	if err != nil && !errors.Is(err, telemetry.ErrStore) {
		// Store failures are already logged by the ingest path.
		h.logger.Warn("uplink telemetry rejected", "topic", topic, "error", err)
	}
	return nil
}

// handleRegistration is the MessageHandler for the registration uplink topic.
func (h *uplinkHandler) handleRegistration(topic string, payload []byte) error {
	msg, ok := h.decode(topic, payload, envelope.KindRegistration)
	if !ok {
		return nil
	}

	id, err := h.registrations.Submit(registration.Request{
		DeviceID:  msg.Registration.Address,
		GatewayID: msg.Registration.EdgeDeviceID,
	})
	if err != nil {
		h.logger.Warn("uplink registration rejected",
			"topic", topic,
			"device_id", msg.Registration.Address,
			"error", err,
		)
		return nil
	}
	h.logger.Info("registration queued",
		"attempt_id", id,
		"device_id", msg.Registration.Address,
		"gateway_id", msg.Registration.EdgeDeviceID,
		"source", "mqtt",
	)
	return nil
}

// decode parses an envelope and logs the ones that cannot be used. Nothing
// is gained by returning the error to the broker: the same bytes would fail
// again.
func (h *uplinkHandler) decode(topic string, payload []byte, kind envelope.Kind) (*envelope.Message, bool) {
	msg, err := envelope.Decode(payload, kind)
	if err != nil {
		h.logger.Warn("uplink envelope rejected", "topic", topic, "error", err)
		return nil, false
	}
	return msg, true
}
