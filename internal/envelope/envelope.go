// Package envelope decodes the relay envelope that carries both tag
// telemetry and device registration requests into the gateway.
//
// An envelope is JSON of the form
//
//	{"type": "telemetry", "data": {"body": "<base64 UTF-8 JSON>"}}
//
// where "type" is optional. Without it, a body carrying "edgeDeviceId" is a
// registration request and anything else is telemetry.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrValidation is returned for any malformed envelope. Callers reject the
// input without side effects.
var ErrValidation = errors.New("envelope: invalid")

// MaxAddressLength bounds device and gateway identifiers carried in a body.
const MaxAddressLength = 128

// unixMillisThreshold separates unix seconds from unix milliseconds.
// Anything at or above it is read as milliseconds (later than year 33658 in seconds).
const unixMillisThreshold = 1e12

// maxUnixSeconds is 9999-12-31T23:59:59Z, the last instant a four-digit
// year can carry.
const maxUnixSeconds = 253402300799

// Kind identifies what an envelope carries.
type Kind string

const (
	KindTelemetry    Kind = "telemetry"
	KindRegistration Kind = "registration"
)

// Telemetry is a decoded tag reading. Sensor fields are nil when the tag
// did not report them.
type Telemetry struct {
	Time        time.Time
	Address     string
	Temperature *float64
	Humidity    *float64
	Pressure    *float64
	TxPower     float64
	RSSI        float64
	Voltage     float64
}

// Registration asks for the tag at Address to be bound to the gateway
// EdgeDeviceID.
type Registration struct {
	Address      string
	EdgeDeviceID string
}

// Message is one decoded envelope. Exactly one of Telemetry or
// Registration is set, matching Kind.
type Message struct {
	Kind         Kind
	Telemetry    *Telemetry
	Registration *Registration
}

type wireEnvelope struct {
	Type string `json:"type"`
	Data *struct {
		Body *string `json:"body"`
	} `json:"data"`
}

type wireBody struct {
	Time         json.RawMessage `json:"time"`
	Address      string          `json:"address"`
	Temperature  *float64        `json:"temperature"`
	Humidity     *float64        `json:"humidity"`
	Pressure     *float64        `json:"pressure"`
	TxPower      *float64        `json:"txPower"`
	RSSI         *float64        `json:"rssi"`
	Voltage      *float64        `json:"voltage"`
	EdgeDeviceID *string         `json:"edgeDeviceId"`
}

// Decode parses a raw envelope.
//
// hint is the kind implied by the transport (an MQTT uplink topic, for
// example); pass "" when the transport says nothing. A hint that disagrees
// with the envelope's own type is a validation error.
func Decode(raw []byte, hint Kind) (*Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope is not JSON: %w", ErrValidation, err)
	}
	if env.Data == nil || env.Data.Body == nil {
		return nil, fmt.Errorf("%w: data.body is required", ErrValidation)
	}

	declared := Kind(env.Type)
	switch declared {
	case "", KindTelemetry, KindRegistration:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrValidation, env.Type)
	}
	if hint != "" && declared != "" && hint != declared {
		return nil, fmt.Errorf("%w: type %q does not match %q", ErrValidation, declared, hint)
	}
	if declared == "" {
		declared = hint
	}

	decoded, err := decodeBase64(*env.Data.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: data.body is not base64: %w", ErrValidation, err)
	}

	if !utf8.Valid(decoded) {
		return nil, fmt.Errorf("%w: body is not valid UTF-8", ErrValidation)
	}

	dec := json.NewDecoder(bytes.NewReader(decoded))
	dec.UseNumber()
	var body wireBody
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: body is not JSON: %w", ErrValidation, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after body", ErrValidation)
	}

	kind := declared
	if kind == "" {
		kind = KindTelemetry
		if body.EdgeDeviceID != nil {
			kind = KindRegistration
		}
	}

	if err := validateAddress("address", body.Address); err != nil {
		return nil, err
	}

	if kind == KindRegistration {
		return decodeRegistration(body)
	}
	return decodeTelemetry(body)
}

func decodeRegistration(body wireBody) (*Message, error) {
	if body.EdgeDeviceID == nil {
		return nil, fmt.Errorf("%w: edgeDeviceId is required", ErrValidation)
	}
	if err := validateAddress("edgeDeviceId", *body.EdgeDeviceID); err != nil {
		return nil, err
	}
	return &Message{
		Kind: KindRegistration,
		Registration: &Registration{
			Address:      body.Address,
			EdgeDeviceID: *body.EdgeDeviceID,
		},
	}, nil
}

func decodeTelemetry(body wireBody) (*Message, error) {
	ts, err := parseTime(body.Time)
	if err != nil {
		return nil, err
	}

	required := []struct {
		name  string
		value *float64
	}{
		{"txPower", body.TxPower},
		{"rssi", body.RSSI},
		{"voltage", body.Voltage},
	}
	var missing []string
	for _, f := range required {
		if f.value == nil {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}

	return &Message{
		Kind: KindTelemetry,
		Telemetry: &Telemetry{
			Time:        ts,
			Address:     body.Address,
			Temperature: body.Temperature,
			Humidity:    body.Humidity,
			Pressure:    body.Pressure,
			TxPower:     *body.TxPower,
			RSSI:        *body.RSSI,
			Voltage:     *body.Voltage,
		},
	}, nil
}

// parseTime accepts an RFC 3339 string or a unix timestamp in seconds or
// milliseconds.
func parseTime(raw json.RawMessage) (time.Time, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return time.Time{}, fmt.Errorf("%w: time is required", ErrValidation)
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return time.Time{}, fmt.Errorf("%w: time: %w", ErrValidation, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: time: %w", ErrValidation, err)
		}
		ts = ts.UTC()
		if y := ts.Year(); y < 0 || y > 9999 {
			return time.Time{}, fmt.Errorf("%w: time %q out of range", ErrValidation, s)
		}
		return ts, nil
	}

	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return time.Time{}, fmt.Errorf("%w: time must be RFC 3339 or a unix timestamp", ErrValidation)
	}
	f, err := n.Float64()
	if err != nil || f < 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return time.Time{}, fmt.Errorf("%w: time %q out of range", ErrValidation, n.String())
	}
	if f >= unixMillisThreshold {
		if f > maxUnixSeconds*1000+999 {
			return time.Time{}, fmt.Errorf("%w: time %q out of range", ErrValidation, n.String())
		}
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	if f >= maxUnixSeconds+1 {
		return time.Time{}, fmt.Errorf("%w: time %q out of range", ErrValidation, n.String())
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), nil
}

func validateAddress(field, v string) error {
	switch {
	case strings.TrimSpace(v) == "":
		return fmt.Errorf("%w: %s is required", ErrValidation, field)
	case len(v) > MaxAddressLength:
		return fmt.Errorf("%w: %s exceeds %d characters", ErrValidation, field, MaxAddressLength)
	case strings.ContainsRune(v, utf8.RuneError):
		return fmt.Errorf("%w: %s contains an invalid character", ErrValidation, field)
	}
	return nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	b, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return b, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(s); rawErr == nil {
		return raw, nil
	}
	return nil, err
}

// Encode wraps a JSON body in an envelope. It is the inverse of Decode and
// is used by tooling and tests that feed the gateway.
func Encode(kind Kind, body any) ([]byte, error) {
	inner, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope body: %w", err)
	}
	env := map[string]any{
		"data": map[string]string{"body": base64.StdEncoding.EncodeToString(inner)},
	}
	if kind != "" {
		env["type"] = string(kind)
	}
	return json.Marshal(env)
}
