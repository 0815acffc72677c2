// Package audit keeps the history of registration attempts in the
// registration_attempts table and answers queries over it.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/tag-gateway/internal/registration"
)

// Page size bounds for List.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// createdLayout is fixed-width so lexical order matches time order.
const createdLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrInvalidEntry is returned by Create for entries without an ID, device or gateway.
var ErrInvalidEntry = errors.New("audit: invalid entry")

// Entry is one finished registration attempt.
type Entry struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	GatewayID   string    `json:"gateway_id"`
	Outcome     string    `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	Successful  bool      `json:"successful"`
	Trace       []string  `json:"trace"`
	Error       string    `json:"error,omitempty"`
	NotifyError string    `json:"notify_error,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	DeviceID  string // optional
	GatewayID string // optional
	Outcome   string // optional: success, device_not_eligible, race_lost, ...
	Limit     int    // default 50, max 200
	Offset    int    // pagination offset
}

// ListResult contains one page of entries.
type ListResult struct {
	Attempts []Entry `json:"attempts"`
	Total    int     `json:"total"`
	Limit    int     `json:"limit"`
	Offset   int     `json:"offset"`
}

// SQLiteRepository stores attempt history in SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new attempt history repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// Record stores a finished attempt. It satisfies registration.Recorder.
func (r *SQLiteRepository) Record(ctx context.Context, res registration.Result) error {
	return r.Create(ctx, FromResult(res))
}

// FromResult converts an orchestrator result into an entry.
func FromResult(res registration.Result) *Entry {
	e := &Entry{
		ID:         res.AttemptID,
		DeviceID:   res.Request.DeviceID,
		GatewayID:  res.Request.GatewayID,
		Outcome:    string(res.Outcome.Kind),
		Reason:     res.Outcome.Reason,
		Successful: res.Outcome.Successful(),
		Trace:      make([]string, len(res.Trace)),
		DurationMS: res.Duration.Milliseconds(),
	}
	for i, p := range res.Trace {
		e.Trace[i] = string(p)
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	if res.NotifyErr != nil {
		e.NotifyError = res.NotifyErr.Error()
	}
	return e
}

// Create inserts an entry. CreatedAt is set to now if zero.
func (r *SQLiteRepository) Create(ctx context.Context, e *Entry) error {
	if e.ID == "" || e.DeviceID == "" || e.GatewayID == "" {
		return fmt.Errorf("%w: id, device and gateway are required", ErrInvalidEntry)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}

	trace, err := json.Marshal(e.Trace)
	if err != nil {
		return fmt.Errorf("marshalling attempt trace: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO registration_attempts
		 (id, device_id, gateway_id, outcome, reason, successful, trace, error, notify_error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DeviceID, e.GatewayID, e.Outcome,
		nullableString(e.Reason), e.Successful, string(trace),
		nullableString(e.Error), nullableString(e.NotifyError),
		e.DurationMS, e.CreatedAt.UTC().Format(createdLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting registration attempt: %w", err)
	}
	return nil
}

// nullableString returns nil for empty strings, or the string otherwise.
// Used for nullable TEXT columns in SQLite.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns entries matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) { //nolint:gocognit // dynamic query builder: WHERE clause assembly from filter fields
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any

	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.GatewayID != "" {
		conditions = append(conditions, "gateway_id = ?")
		args = append(args, filter.GatewayID)
	}
	if filter.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, filter.Outcome)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM registration_attempts %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting registration attempts: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		`SELECT id, device_id, gateway_id, outcome, reason, successful, trace, error, notify_error, duration_ms, created_at
		 FROM registration_attempts %s ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying registration attempts: %w", err)
	}
	defer rows.Close()

	attempts := []Entry{}
	for rows.Next() {
		var (
			e                          Entry
			reason, errText, notifyErr sql.NullString
			trace, createdAt           string
		)
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.GatewayID, &e.Outcome, &reason,
			&e.Successful, &trace, &errText, &notifyErr, &e.DurationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning registration attempt: %w", err)
		}

		e.Reason = reason.String
		e.Error = errText.String
		e.NotifyError = notifyErr.String
		if err := json.Unmarshal([]byte(trace), &e.Trace); err != nil {
			return nil, fmt.Errorf("parsing attempt trace for %s: %w", e.ID, err)
		}
		t, err := time.Parse(createdLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing attempt timestamp %q: %w", createdAt, err)
		}
		e.CreatedAt = t

		attempts = append(attempts, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating registration attempts: %w", err)
	}

	return &ListResult{
		Attempts: attempts,
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}, nil
}
