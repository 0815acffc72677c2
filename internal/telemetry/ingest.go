package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/tag-gateway/internal/envelope"
	"github.com/nerrad567/tag-gateway/internal/metrics"
)

// DefaultStoreTimeout bounds a single Append when none is configured.
const DefaultStoreTimeout = 5 * time.Second

// Publisher fans a reading out to live viewers. live.Router satisfies it.
type Publisher interface {
	Publish(deviceID string, payload any) int
}

// Logger defines the logging interface used by the ingest path.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Report describes what happened to one accepted reading.
type Report struct {
	// Published is the number of live connections the reading reached.
	Published int `json:"published"`
	// Persisted is false when the store rejected or timed out the append.
	Persisted bool `json:"persisted"`
}

// Path is the telemetry ingest path.
type Path struct {
	publisher    Publisher
	store        Store
	storeTimeout time.Duration
	logger       Logger
	metrics      *metrics.Metrics
}

// NewPath creates an ingest path. storeTimeout bounds each store append;
// zero selects DefaultStoreTimeout.
func NewPath(publisher Publisher, store Store, storeTimeout time.Duration) *Path {
	if storeTimeout <= 0 {
		storeTimeout = DefaultStoreTimeout
	}
	return &Path{
		publisher:    publisher,
		store:        store,
		storeTimeout: storeTimeout,
		logger:       noopLogger{},
	}
}

// SetLogger sets the logger for the ingest path.
func (p *Path) SetLogger(logger Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// SetMetrics attaches instrumentation. A nil value disables it.
func (p *Path) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// Ingest decodes a raw relay envelope that must carry telemetry and
// processes it.
func (p *Path) Ingest(ctx context.Context, raw []byte) (Report, error) {
	msg, err := envelope.Decode(raw, envelope.KindTelemetry)
	if err != nil {
		p.metrics.TelemetryInvalid()
		return Report{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return p.Accept(ctx, FromEnvelope(msg.Telemetry))
}

// Accept publishes r to live viewers and then appends it to the store.
//
// The store write runs on a context detached from ctx's cancellation so a
// caller that goes away after publishing does not leave the reading
// half-processed. A store failure is returned wrapped in ErrStore together
// with a Report whose Persisted is false; the publish is not undone.
func (p *Path) Accept(ctx context.Context, r Reading) (Report, error) {
	if r.DeviceID == "" {
		p.metrics.TelemetryInvalid()
		return Report{}, fmt.Errorf("%w: device id is required", ErrValidation)
	}
	if r.Timestamp.IsZero() {
		p.metrics.TelemetryInvalid()
		return Report{}, fmt.Errorf("%w: timestamp is required", ErrValidation)
	}

	var report Report
	if p.publisher != nil {
		report.Published = p.publisher.Publish(r.DeviceID, r)
	}
	p.metrics.TelemetryIngested()

	if p.store == nil {
		return report, nil
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.storeTimeout)
	defer cancel()

	if err := p.store.Append(storeCtx, r); err != nil {
		p.metrics.TelemetryStoreFailed()
		p.logger.Error("telemetry store append failed",
			"device_id", r.DeviceID,
			"published", report.Published,
			"error", err,
		)
		if !errors.Is(err, ErrStore) {
			err = fmt.Errorf("%w: %w", ErrStore, err)
		}
		return report, err
	}

	report.Persisted = true
	p.logger.Debug("telemetry ingested", "device_id", r.DeviceID, "published", report.Published)
	return report, nil
}
