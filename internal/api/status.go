package api

import (
	"net/http"
	"runtime"
	"time"
)

const bytesPerMiB = 1 << 20

// SystemStatus is the body of GET /api/v1/status. Counters live on
// /metrics; this is the human-readable snapshot.
type SystemStatus struct {
	Version       string    `json:"version"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`

	Runtime struct {
		Goroutines int     `json:"goroutines"`
		HeapMiB    float64 `json:"heap_mib"`
		SysMiB     float64 `json:"sys_mib"`
		NumGC      uint32  `json:"num_gc"`
	} `json:"runtime"`

	// Live counts dashboard connections and the tags they follow.
	Live struct {
		Clients       int `json:"clients"`
		Subscriptions int `json:"subscriptions"`
	} `json:"live"`

	MQTT struct {
		Enabled   bool `json:"enabled"`
		Connected bool `json:"connected"`
	} `json:"mqtt"`

	Database *poolStatus `json:"database,omitempty"`
}

type poolStatus struct {
	Open      int   `json:"open"`
	InUse     int   `json:"in_use"`
	Idle      int   `json:"idle"`
	WaitCount int64 `json:"wait_count"`
}

func (s *Server) snapshot() SystemStatus {
	var st SystemStatus
	st.Version = s.version
	st.StartedAt = s.startTime.UTC()
	st.UptimeSeconds = int64(time.Since(s.startTime) / time.Second)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	st.Runtime.Goroutines = runtime.NumGoroutine()
	st.Runtime.HeapMiB = float64(mem.HeapAlloc) / bytesPerMiB
	st.Runtime.SysMiB = float64(mem.Sys) / bytesPerMiB
	st.Runtime.NumGC = mem.NumGC

	st.Live.Clients = s.hub.ClientCount()
	st.Live.Subscriptions = s.router.Len()

	if s.mqtt != nil {
		st.MQTT.Enabled = true
		st.MQTT.Connected = s.mqtt.IsConnected()
	}
	if s.db != nil {
		ds := s.db.Stats()
		st.Database = &poolStatus{Open: ds.OpenConnections, InUse: ds.InUse, Idle: ds.Idle, WaitCount: ds.WaitCount}
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}
