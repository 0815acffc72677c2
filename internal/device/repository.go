package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store is the persistence capability the registration workflow needs.
// Every method is a single statement so callers can scope each one with
// its own timeout.
type Store interface {
	// GetDevice returns ErrDeviceNotFound if the device does not exist.
	GetDevice(ctx context.Context, id string) (*DeviceRecord, error)

	// GetGateway returns ErrGatewayNotFound if the gateway does not exist.
	GetGateway(ctx context.Context, id string) (*GatewayRecord, error)

	// ConditionalBind assigns gatewayID to the device only if it is still unbound.
	ConditionalBind(ctx context.Context, deviceID, gatewayID string) (BindResult, error)
}

// SQLiteRepository implements Store using SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// GetDevice retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetDevice(ctx context.Context, id string) (*DeviceRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, assigned_gateway_id, created_at, updated_at
		FROM devices
		WHERE id = ?`, id)

	var (
		d                    DeviceRecord
		assigned             sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&d.ID, &assigned, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("%w: querying device: %w", ErrStore, err)
	}

	if assigned.Valid {
		d.AssignedGatewayID = &assigned.String
	}
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return &d, nil
}

// GetGateway retrieves a gateway by its unique identifier.
func (r *SQLiteRepository) GetGateway(ctx context.Context, id string) (*GatewayRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, created_at
		FROM gateways
		WHERE id = ?`, id)

	var (
		g         GatewayRecord
		createdAt string
	)
	if err := row.Scan(&g.ID, &g.Name, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGatewayNotFound
		}
		return nil, fmt.Errorf("%w: querying gateway: %w", ErrStore, err)
	}
	g.CreatedAt = parseTime(createdAt)
	return &g, nil
}

// ConditionalBind sets assigned_gateway_id only where it is NULL and the
// gateway exists. Exactly one of any number of concurrent binds for the
// same device can affect a row.
//
// When no row changes, the device is re-read to tell an idempotent repeat
// (already bound to gatewayID) from a genuine conflict.
func (r *SQLiteRepository) ConditionalBind(ctx context.Context, deviceID, gatewayID string) (BindResult, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET assigned_gateway_id = ?, updated_at = ?
		WHERE id = ?
		  AND assigned_gateway_id IS NULL
		  AND EXISTS (SELECT 1 FROM gateways WHERE id = ?)`,
		gatewayID, formatTime(r.now()), deviceID, gatewayID,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: binding device: %w", ErrStore, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: checking bind result: %w", ErrStore, err)
	}
	if n == 1 {
		return BindCommitted, nil
	}

	d, err := r.GetDevice(ctx, deviceID)
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		return BindConflict, nil
	case err != nil:
		return 0, err
	case d.BoundTo(gatewayID):
		return BindAlreadyHere, nil
	default:
		return BindConflict, nil
	}
}

// CreateGateway inserts a new gateway.
// Returns ErrGatewayExists if a gateway with the same ID already exists.
func (r *SQLiteRepository) CreateGateway(ctx context.Context, id, name string) error {
	if err := validateID(id); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO gateways (id, name, created_at) VALUES (?, ?, ?)",
		id, name, formatTime(r.now()),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrGatewayExists
		}
		return fmt.Errorf("%w: inserting gateway: %w", ErrStore, err)
	}
	return nil
}

// CreateDevice inserts a new, unbound device.
// Returns ErrDeviceExists if a device with the same ID already exists.
func (r *SQLiteRepository) CreateDevice(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	now := formatTime(r.now())
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO devices (id, created_at, updated_at) VALUES (?, ?, ?)",
		id, now, now,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("%w: inserting device: %w", ErrStore, err)
	}
	return nil
}

// ListDevicesByGateway returns the IDs of devices bound to gatewayID.
func (r *SQLiteRepository) ListDevicesByGateway(ctx context.Context, gatewayID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id FROM devices WHERE assigned_gateway_id = ? ORDER BY id", gatewayID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing devices: %w", ErrStore, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scanning device: %w", ErrStore, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating devices: %w", ErrStore, err)
	}
	return ids, nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" || len(id) > MaxIDLength {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s) //nolint:errcheck // written by formatTime or the schema default
	return t
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}
