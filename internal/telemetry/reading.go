package telemetry

import (
	"errors"
	"time"

	"github.com/nerrad567/tag-gateway/internal/envelope"
)

// Sentinel errors for the ingest path.
var (
	// ErrValidation wraps envelope.ErrValidation and local checks. Rejected
	// input has no side effects.
	ErrValidation = errors.New("telemetry: invalid reading")

	// ErrStore indicates the telemetry store failed to persist a reading.
	ErrStore = errors.New("telemetry: store failure")
)

// Reading is one immutable tag observation. Temperature, Humidity and
// Pressure are nil when the tag did not report them.
type Reading struct {
	Timestamp   time.Time `json:"timestamp"`
	DeviceID    string    `json:"deviceId"`
	Temperature *float64  `json:"temperature"`
	Humidity    *float64  `json:"humidity"`
	Pressure    *float64  `json:"pressure"`
	TxPower     float64   `json:"txPower"`
	RSSI        float64   `json:"rssi"`
	Voltage     float64   `json:"voltage"`
}

// FromEnvelope builds a Reading from decoded envelope telemetry.
func FromEnvelope(t *envelope.Telemetry) Reading {
	return Reading{
		Timestamp:   t.Time,
		DeviceID:    t.Address,
		Temperature: t.Temperature,
		Humidity:    t.Humidity,
		Pressure:    t.Pressure,
		TxPower:     t.TxPower,
		RSSI:        t.RSSI,
		Voltage:     t.Voltage,
	}
}

// Fields returns the reading's measurements keyed by field name. Absent
// sensor values map to nil.
func (r Reading) Fields() map[string]any {
	return map[string]any{
		"temperature": floatOrNil(r.Temperature),
		"humidity":    floatOrNil(r.Humidity),
		"pressure":    floatOrNil(r.Pressure),
		"tx_power":    r.TxPower,
		"rssi":        r.RSSI,
		"voltage":     r.Voltage,
	}
}

func floatOrNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
