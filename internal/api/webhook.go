package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/nerrad567/tag-gateway/internal/envelope"
	"github.com/nerrad567/tag-gateway/internal/registration"
	"github.com/nerrad567/tag-gateway/internal/telemetry"
)

// registrationAccepted is the 202 body for a registration envelope.
type registrationAccepted struct {
	AttemptID string `json:"attemptId"`
}

// handleWebhook accepts one relay envelope.
//
// Telemetry is published and stored before responding. A store failure
// still answers 202 with persisted=false. Registrations are only queued.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}

	msg, err := envelope.Decode(body, "")
	if err != nil {
		s.logger.Debug("webhook envelope rejected",
			"error", err,
			"request_id", requestID(r),
		)
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	switch msg.Kind {
	case envelope.KindTelemetry:
		s.acceptTelemetry(w, r, msg.Telemetry)
	case envelope.KindRegistration:
		s.acceptRegistration(w, r, msg.Registration)
	default:
		writeStatus(w, http.StatusBadRequest, "unsupported envelope type")
	}
}

func (s *Server) acceptTelemetry(w http.ResponseWriter, r *http.Request, t *envelope.Telemetry) {
	report, err := s.telemetry.Accept(r.Context(), telemetry.FromEnvelope(t))
	switch {
	case err == nil, errors.Is(err, telemetry.ErrStore):
		writeJSON(w, http.StatusAccepted, report)
	case errors.Is(err, telemetry.ErrValidation):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	default:
		s.logger.Error("telemetry ingest failed", "device_id", t.Address, "error", err)
		writeStatus(w, http.StatusInternalServerError, "telemetry ingest failed")
	}
}

func (s *Server) acceptRegistration(w http.ResponseWriter, r *http.Request, reg *envelope.Registration) {
	id, err := s.registrations.Submit(registration.Request{
		DeviceID:  reg.Address,
		GatewayID: reg.EdgeDeviceID,
	})
	switch {
	case err == nil:
		s.logger.Info("registration queued",
			"attempt_id", id,
			"device_id", reg.Address,
			"gateway_id", reg.EdgeDeviceID,
			"relay", relaySubject(r),
			"request_id", requestID(r),
		)
		writeJSON(w, http.StatusAccepted, registrationAccepted{AttemptID: id})
	case errors.Is(err, registration.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, registration.ErrClosed):
		writeStatus(w, http.StatusServiceUnavailable, "gateway is shutting down")
	default:
		s.logger.Error("registration submit failed", "device_id", reg.Address, "error", err)
		writeStatus(w, http.StatusInternalServerError, "registration submit failed")
	}
}
