package models

import "time"

// LocalHostID is the reserved host ID under which the collector records
// the dashboard machine's own resource usage.
const LocalHostID int64 = 0

// MonitoringSample is one typed measurement produced by the collector's
// introspection battery and persisted to the history store.
type MonitoringSample struct {
	ID                int64     `json:"id"`
	HostID            int64     `json:"host_id"`
	Target            string    `json:"target,omitempty"`
	LatencyMs         float64   `json:"latency_ms"`
	CPUPercent        float64   `json:"cpu_percent"`
	RAMPercent        float64   `json:"ram_percent"`
	DiskPercent       float64   `json:"disk_percent"`
	ContainersRunning int       `json:"containers_running"`
	ContainersTotal   int       `json:"containers_total"`
	Timestamp         time.Time `json:"timestamp"`
}
