package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/tag-gateway/internal/audit"
	"github.com/nerrad567/tag-gateway/internal/device"
)

// Limits for GET /api/v1/devices/{id}/telemetry.
const (
	defaultReadingLimit = 50
	maxReadingLimit     = 1000
)

type createGatewayRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type createDeviceRequest struct {
	ID string `json:"id"`
}

// handleCreateGateway creates an edge gateway.
func (s *Server) handleCreateGateway(w http.ResponseWriter, r *http.Request) {
	var req createGatewayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := s.devices.CreateGateway(r.Context(), req.ID, req.Name); err != nil {
		s.writeDeviceError(w, err)
		return
	}

	gw, err := s.devices.GetGateway(r.Context(), req.ID)
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, gw)
}

// handleGetGateway returns a single gateway.
func (s *Server) handleGetGateway(w http.ResponseWriter, r *http.Request) {
	gw, err := s.devices.GetGateway(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gw)
}

// handleListGatewayDevices returns the IDs of devices bound to a gateway.
func (s *Server) handleListGatewayDevices(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.devices.GetGateway(r.Context(), id); err != nil {
		s.writeDeviceError(w, err)
		return
	}

	ids, err := s.devices.ListDevicesByGateway(r.Context(), id)
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"gateway_id": id,
		"devices":    ids,
		"count":      len(ids),
	})
}

// handleCreateDevice registers an unbound tag device.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := s.devices.CreateDevice(r.Context(), req.ID); err != nil {
		s.writeDeviceError(w, err)
		return
	}

	dev, err := s.devices.GetDevice(r.Context(), req.ID)
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dev)
}

// handleGetDevice returns a single device with its binding.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.devices.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleListReadings returns a device's most recent readings, newest first.
func (s *Server) handleListReadings(w http.ResponseWriter, r *http.Request) {
	if s.readings == nil {
		writeStatus(w, http.StatusNotFound, "readings are not stored locally")
		return
	}

	limit := defaultReadingLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeStatus(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxReadingLimit)
	}

	id := chi.URLParam(r, "id")
	readings, err := s.readings.ListByDevice(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("listing readings failed", "device_id", id, "error", err)
		writeStatus(w, http.StatusInternalServerError, "listing readings failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"readings":  readings,
		"count":     len(readings),
	})
}

// handleListAttempts returns registration attempt history, newest first.
//
// Query parameters: device_id, gateway_id, outcome, limit, offset.
func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		DeviceID:  q.Get("device_id"),
		GatewayID: q.Get("gateway_id"),
		Outcome:   q.Get("outcome"),
	}

	var err error
	if filter.Limit, err = queryInt(q.Get("limit")); err != nil {
		writeStatus(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = queryInt(q.Get("offset")); err != nil {
		writeStatus(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	res, err := s.attempts.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing registration attempts failed", "error", err)
		writeStatus(w, http.StatusInternalServerError, "listing registration attempts failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// queryInt parses an optional non-negative integer query value.
func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}

// writeDeviceError maps device store errors to HTTP responses.
func (s *Server) writeDeviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		writeStatus(w, http.StatusNotFound, "device not found")
	case errors.Is(err, device.ErrGatewayNotFound):
		writeStatus(w, http.StatusNotFound, "gateway not found")
	case errors.Is(err, device.ErrDeviceExists), errors.Is(err, device.ErrGatewayExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, device.ErrInvalidID):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	default:
		s.logger.Error("device store error", "error", err)
		writeStatus(w, http.StatusInternalServerError, "device store error")
	}
}
