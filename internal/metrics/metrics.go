// Package metrics exposes the gateway's Prometheus instrumentation.
//
// Each Metrics value owns its own registry so independent instances (tests,
// embedded gateways) never collide on the default registerer. All methods
// are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taggateway"

// Metrics holds the gateway's collectors.
type Metrics struct {
	registry *prometheus.Registry

	registrationOutcomes *prometheus.CounterVec
	registrationDuration prometheus.Histogram

	notificationSends       *prometheus.CounterVec
	notificationRetries     prometheus.Counter
	notificationExhaustions prometheus.Counter

	telemetryIngested      prometheus.Counter
	telemetryInvalid       prometheus.Counter
	telemetryStoreFailures prometheus.Counter

	liveDeliveries    prometheus.Counter
	liveSubscriptions prometheus.Gauge
}

// New creates a Metrics value with a fresh registry. Go runtime and process
// collectors are registered alongside the gateway's own.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		registrationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registration",
			Name:      "outcomes_total",
			Help:      "Registration attempts by terminal outcome.",
		}, []string{"outcome"}),
		registrationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "registration",
			Name:      "duration_seconds",
			Help:      "Time from attempt start to terminal outcome.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		notificationSends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notification",
			Name:      "sends_total",
			Help:      "Notification deliveries by result.",
		}, []string{"result"}),
		notificationRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notification",
			Name:      "retries_total",
			Help:      "Failed notification send attempts that were retried.",
		}),
		notificationExhaustions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notification",
			Name:      "exhausted_total",
			Help:      "Notifications abandoned after the retry budget ran out.",
		}),

		telemetryIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "ingested_total",
			Help:      "Telemetry readings accepted and published.",
		}),
		telemetryInvalid: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "invalid_total",
			Help:      "Envelopes rejected as malformed.",
		}),
		telemetryStoreFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "store_failures_total",
			Help:      "Published readings that could not be persisted.",
		}),

		liveDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "deliveries_total",
			Help:      "Payloads pushed to subscribed live connections.",
		}),
		liveSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "subscriptions",
			Help:      "Live connections currently subscribed to a device.",
		}),
	}
}

// Registry returns the registry backing this instance.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the exposition handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegistrationFinished records a terminal registration outcome.
func (m *Metrics) RegistrationFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.registrationOutcomes.WithLabelValues(outcome).Inc()
	m.registrationDuration.Observe(elapsed.Seconds())
}

// NotificationDelivered records a notification acknowledged by its target.
func (m *Metrics) NotificationDelivered() {
	if m == nil {
		return
	}
	m.notificationSends.WithLabelValues("delivered").Inc()
}

// NotificationRetried records one failed send that will be retried.
func (m *Metrics) NotificationRetried() {
	if m == nil {
		return
	}
	m.notificationRetries.Inc()
}

// NotificationExhausted records a notification dropped after its retry budget.
func (m *Metrics) NotificationExhausted() {
	if m == nil {
		return
	}
	m.notificationSends.WithLabelValues("exhausted").Inc()
	m.notificationExhaustions.Inc()
}

// TelemetryIngested records an accepted reading.
func (m *Metrics) TelemetryIngested() {
	if m == nil {
		return
	}
	m.telemetryIngested.Inc()
}

// TelemetryInvalid records a rejected envelope.
func (m *Metrics) TelemetryInvalid() {
	if m == nil {
		return
	}
	m.telemetryInvalid.Inc()
}

// TelemetryStoreFailed records a reading that was published but not persisted.
func (m *Metrics) TelemetryStoreFailed() {
	if m == nil {
		return
	}
	m.telemetryStoreFailures.Inc()
}

// LiveDelivered adds n successful pushes.
func (m *Metrics) LiveDelivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.liveDeliveries.Add(float64(n))
}

// SetLiveSubscriptions sets the current subscription count.
func (m *Metrics) SetLiveSubscriptions(n int) {
	if m == nil {
		return
	}
	m.liveSubscriptions.Set(float64(n))
}
