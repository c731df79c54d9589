package api

import (
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/nerrad567/wemos-relay/internal/gateway"
	"github.com/nerrad567/wemos-relay/internal/infrastructure/influxdb"
)

// SystemMetrics is the JSON snapshot served at /api/v1/metrics.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	Connections   gateway.Counts   `json:"connections"`
	Devices       []string         `json:"devices"`
	MQTT          *MQTTMetrics     `json:"mqtt,omitempty"`
	InfluxDB      *influxdb.Stats  `json:"influxdb,omitempty"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// MQTTMetrics contains MQTT client state.
type MQTTMetrics struct {
	Connected  bool   `json:"connected"`
	Reconnects uint64 `json:"reconnects"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns a snapshot of runtime, registry and backend state.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	reg := s.gateway.Registry()
	devices := reg.DeviceNames()
	sort.Strings(devices)

	snapshot := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Connections: reg.Counts(),
		Devices:     devices,
	}

	if s.mqtt != nil {
		snapshot.MQTT = &MQTTMetrics{Connected: s.mqtt.IsConnected()}
		if rc, ok := s.mqtt.(interface{ Reconnects() uint64 }); ok {
			snapshot.MQTT.Reconnects = rc.Reconnects()
		}
	}

	if s.influx != nil {
		stats := s.influx.Stats()
		snapshot.InfluxDB = &stats
	}

	if s.db != nil {
		stats := s.db.Stats()
		snapshot.Database = &DatabaseMetrics{
			OpenConnections: stats.OpenConnections,
			InUse:           stats.InUse,
			Idle:            stats.Idle,
			WaitCount:       stats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, snapshot)
}
