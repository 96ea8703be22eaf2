package metrics

import (
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetricsTracker reports process uptime and host resources for the health endpoint
type SystemMetricsTracker struct {
	startTime time.Time
	dataDir   string
}

// NewSystemMetrics creates a new SystemMetricsTracker instance
func NewSystemMetrics(dataDir string) *SystemMetricsTracker {
	return &SystemMetricsTracker{
		startTime: time.Now(),
		dataDir:   dataDir,
	}
}

// GetUptime returns the process uptime in seconds
func (sm *SystemMetricsTracker) GetUptime() int64 {
	return int64(time.Since(sm.startTime).Seconds())
}

// MemoryStats represents memory usage statistics
type MemoryStats struct {
	UsedPercent float64 `json:"used_percent"`
	UsedBytes   uint64  `json:"used_bytes"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
}

// GetMemoryUsage returns current memory usage statistics
func (sm *SystemMetricsTracker) GetMemoryUsage() (*MemoryStats, error) {
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}

	return &MemoryStats{
		UsedPercent: memInfo.UsedPercent,
		UsedBytes:   memInfo.Used,
		TotalBytes:  memInfo.Total,
		FreeBytes:   memInfo.Free,
	}, nil
}

// DiskStats represents disk usage statistics
type DiskStats struct {
	UsedPercent float64 `json:"used_percent"`
	UsedBytes   uint64  `json:"used_bytes"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
}

// GetDiskUsage returns current disk usage statistics for the data directory
func (sm *SystemMetricsTracker) GetDiskUsage() (*DiskStats, error) {
	diskInfo, err := disk.Usage(sm.dataDir)
	if err != nil {
		return nil, err
	}

	return &DiskStats{
		UsedPercent: diskInfo.UsedPercent,
		UsedBytes:   diskInfo.Used,
		TotalBytes:  diskInfo.Total,
		FreeBytes:   diskInfo.Free,
	}, nil
}

// Snapshot is the host section of the health report
type Snapshot struct {
	UptimeSeconds int64        `json:"uptime_seconds"`
	Disk          *DiskStats   `json:"disk,omitempty"`
	Memory        *MemoryStats `json:"memory,omitempty"`
}

// Snapshot collects uptime, disk and memory; collection errors leave the section empty
func (sm *SystemMetricsTracker) Snapshot() Snapshot {
	s := Snapshot{UptimeSeconds: sm.GetUptime()}
	if d, err := sm.GetDiskUsage(); err == nil {
		s.Disk = d
	}
	if m, err := sm.GetMemoryUsage(); err == nil {
		s.Memory = m
	}
	return s
}
