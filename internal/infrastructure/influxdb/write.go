package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementTagTelemetry is the measurement tag readings are written to.
const MeasurementTagTelemetry = "tag_telemetry"

// WriteTagReading writes one tag reading, tagged by device, at the time the
// tag observed it. Nil-valued fields are omitted from the point.
//
// The write is non-blocking; data is batched and sent asynchronously.
// It returns ErrNotConnected once the client is closed.
//
// Example:
//
//	client.WriteTagReading("c4:7c:8d:6a:1b:2f",
//	    map[string]any{"temperature": 21.5, "rssi": -71.0}, observedAt)
func (c *Client) WriteTagReading(deviceID string, fields map[string]any, observedAt time.Time) error {
	clean := make(map[string]any, len(fields))
	for k, v := range fields {
		if v != nil {
			clean[k] = v
		}
	}
	return c.WritePointWithTime(MeasurementTagTelemetry, map[string]string{"device_id": deviceID}, clean, observedAt)
}

// WritePointWithTime writes a custom point with a specific timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if len(fields) == 0 {
		return ErrWriteFailed
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
	return nil
}
