package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nerrad567/tag-gateway/internal/infrastructure/influxdb"
)

// observedLayout is fixed-width so lexical order in SQLite matches time order.
const observedLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store appends readings. Implementations are transactional at the single
// statement level only.
type Store interface {
	Append(ctx context.Context, r Reading) error
}

// SQLiteStore appends readings to the telemetry_readings table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a store over an open, migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// Append inserts one reading. Each call takes its own pooled connection
// for the single statement.
func (s *SQLiteStore) Append(ctx context.Context, r Reading) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry_readings
			(device_id, observed_at, temperature, humidity, pressure, tx_power, rssi, voltage, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.DeviceID,
		r.Timestamp.UTC().Format(observedLayout),
		nullFloat(r.Temperature),
		nullFloat(r.Humidity),
		nullFloat(r.Pressure),
		r.TxPower,
		r.RSSI,
		r.Voltage,
		s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("%w: inserting reading for %s: %w", ErrStore, r.DeviceID, err)
	}
	return nil
}

// ListByDevice returns the newest readings for deviceID, newest first.
func (s *SQLiteStore) ListByDevice(ctx context.Context, deviceID string, limit int) ([]Reading, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, observed_at, temperature, humidity, pressure, tx_power, rssi, voltage
		FROM telemetry_readings
		WHERE device_id = ?
		ORDER BY observed_at DESC, id DESC
		LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: querying readings: %w", ErrStore, err)
	}
	defer rows.Close()

	var out []Reading
	for rows.Next() {
		var (
			r                Reading
			observed         string
			temp, hum, press sql.NullFloat64
		)
		if err := rows.Scan(&r.DeviceID, &observed, &temp, &hum, &press, &r.TxPower, &r.RSSI, &r.Voltage); err != nil {
			return nil, fmt.Errorf("%w: scanning reading: %w", ErrStore, err)
		}
		r.Timestamp, err = time.Parse(observedLayout, observed)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing observed_at %q: %w", ErrStore, observed, err)
		}
		r.Temperature = floatPtr(temp)
		r.Humidity = floatPtr(hum)
		r.Pressure = floatPtr(press)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating readings: %w", ErrStore, err)
	}
	return out, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// pointWriter is the subset of the InfluxDB client the store needs.
type pointWriter interface {
	WriteTagReading(deviceID string, fields map[string]any, observedAt time.Time) error
}

var _ pointWriter = (*influxdb.Client)(nil)

// InfluxStore appends readings to InfluxDB as tag_telemetry points.
//
// Writes are batched by the client, so Append only reports failures to
// queue the point. Batch send errors surface through the client's
// SetOnError callback.
type InfluxStore struct {
	client pointWriter
}

// NewInfluxStore creates a store writing through client.
func NewInfluxStore(client *influxdb.Client) *InfluxStore {
	return &InfluxStore{client: client}
}

// Append queues one reading.
func (s *InfluxStore) Append(ctx context.Context, r Reading) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	if err := s.client.WriteTagReading(r.DeviceID, r.Fields(), r.Timestamp); err != nil {
		return fmt.Errorf("%w: writing point for %s: %w", ErrStore, r.DeviceID, err)
	}
	return nil
}
