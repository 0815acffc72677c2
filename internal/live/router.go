package live

import (
	"sync"

	"github.com/nerrad567/tag-gateway/internal/metrics"
)

// Pusher delivers a payload to one live connection. Implementations report
// closed or unknown connections as errors; the router swallows them.
type Pusher interface {
	Push(connID string, payload any) error
}

// Logger defines the logging interface used by the router.
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

// DefaultMaxLatest bounds how many devices keep a cached latest payload.
const DefaultMaxLatest = 4096

// Router is the subscription table between live connections and devices.
type Router struct {
	pusher  Pusher
	logger  Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	byConn    map[string]string              // connID -> deviceID
	byDevice  map[string]map[string]struct{} // deviceID -> connIDs
	latest    map[string]latestEntry         // deviceID -> last published payload
	seq       uint64
	maxLatest int
}

type latestEntry struct {
	payload any
	seq     uint64 // publish order, for eviction
}

// NewRouter creates an empty router pushing through p.
func NewRouter(p Pusher) *Router {
	return &Router{
		pusher:    p,
		logger:    noopLogger{},
		byConn:    make(map[string]string),
		byDevice:  make(map[string]map[string]struct{}),
		latest:    make(map[string]latestEntry),
		maxLatest: DefaultMaxLatest,
	}
}

// SetMaxLatest bounds the latest-payload cache. Values below one keep
// DefaultMaxLatest.
func (r *Router) SetMaxLatest(n int) {
	if n < 1 {
		n = DefaultMaxLatest
	}
	r.mu.Lock()
	r.maxLatest = n
	r.mu.Unlock()
}

// SetLogger sets the logger for the router.
func (r *Router) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetMetrics attaches instrumentation. A nil value disables it.
func (r *Router) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// SetPusher replaces the transport. It exists for the startup order where
// the router must be built before the hub that pushes for it.
func (r *Router) SetPusher(p Pusher) {
	r.mu.Lock()
	r.pusher = p
	r.mu.Unlock()
}

// Subscribe maps connID to deviceID, replacing any previous subscription
// held by that connection. It returns the device's latest payload, if any,
// so the caller can prime the new viewer.
func (r *Router) Subscribe(connID, deviceID string) (latest any, ok bool) {
	r.mu.Lock()
	r.removeLocked(connID)
	r.byConn[connID] = deviceID
	conns, exists := r.byDevice[deviceID]
	if !exists {
		conns = make(map[string]struct{})
		r.byDevice[deviceID] = conns
	}
	conns[connID] = struct{}{}
	entry, ok := r.latest[deviceID]
	count := len(r.byConn)
	r.mu.Unlock()

	r.metrics.SetLiveSubscriptions(count)
	r.logger.Debug("live subscription", "conn_id", connID, "device_id", deviceID)
	return entry.payload, ok
}

// Unsubscribe removes connID's subscription. Unknown connections are ignored.
func (r *Router) Unsubscribe(connID string) {
	r.mu.Lock()
	removed := r.removeLocked(connID)
	count := len(r.byConn)
	r.mu.Unlock()

	if removed {
		r.metrics.SetLiveSubscriptions(count)
		r.logger.Debug("live subscription removed", "conn_id", connID)
	}
}

// OnDisconnect is Unsubscribe, called when the transport closes a connection.
func (r *Router) OnDisconnect(connID string) {
	r.Unsubscribe(connID)
}

// removeLocked drops connID from both indexes. Caller holds r.mu.
func (r *Router) removeLocked(connID string) bool {
	deviceID, ok := r.byConn[connID]
	if !ok {
		return false
	}
	delete(r.byConn, connID)
	if conns := r.byDevice[deviceID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byDevice, deviceID)
		}
	}
	return true
}

// Publish pushes payload to every connection subscribed to deviceID and
// returns how many pushes succeeded. Zero subscribers is not an error.
//
// Recipients are snapshotted under the lock and pushed to after it
// is released, so a slow transport never blocks subscription changes.
func (r *Router) Publish(deviceID string, payload any) int {
	r.mu.Lock()
	r.rememberLocked(deviceID, payload)
	pusher := r.pusher
	conns := r.byDevice[deviceID]
	recipients := make([]string, 0, len(conns))
	for connID := range conns {
		recipients = append(recipients, connID)
	}
	r.mu.Unlock()

	if pusher == nil || len(recipients) == 0 {
		return 0
	}

	delivered := 0
	for _, connID := range recipients {
		if err := pusher.Push(connID, payload); err != nil {
			r.logger.Debug("live push to stale connection", "conn_id", connID, "device_id", deviceID, "error", err)
			continue
		}
		delivered++
	}
	r.metrics.LiveDelivered(delivered)
	return delivered
}

// rememberLocked caches payload as deviceID's latest. When a new device
// would overflow the cache, the least recently published device without
// subscribers is dropped. Subscribed devices are never dropped. Caller
// holds r.mu.
func (r *Router) rememberLocked(deviceID string, payload any) {
	r.seq++
	if _, cached := r.latest[deviceID]; !cached && len(r.latest) >= r.maxLatest {
		victim, oldest := "", uint64(0)
		for id, e := range r.latest {
			if len(r.byDevice[id]) > 0 {
				continue
			}
			if victim == "" || e.seq < oldest {
				victim, oldest = id, e.seq
			}
		}
		if victim != "" {
			delete(r.latest, victim)
		}
	}
	r.latest[deviceID] = latestEntry{payload: payload, seq: r.seq}
}

// Latest returns the most recent payload published for deviceID.
func (r *Router) Latest(deviceID string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.latest[deviceID]
	return e.payload, ok
}

// LatestLen returns the number of devices with a cached payload.
func (r *Router) LatestLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.latest)
}

// SubscriptionOf returns the device connID is subscribed to.
func (r *Router) SubscriptionOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	deviceID, ok := r.byConn[connID]
	return deviceID, ok
}

// Subscribers returns the number of connections subscribed to deviceID.
func (r *Router) Subscribers(deviceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byDevice[deviceID])
}

// Len returns the number of subscribed connections.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
