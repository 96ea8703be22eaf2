package replication

import (
	"time"

	"github.com/maxiofs/pinrep/internal/pin"
)

// BackendUsage is the ledger's view of one backend
type BackendUsage struct {
	Pins           int   `json:"pins"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
}

// Summary is the ledger-wide replication status
type Summary struct {
	TotalPins            int                     `json:"total_pins"`
	ByStatus             map[pin.Status]int      `json:"by_status"`
	ReplicationRatio     float64                 `json:"replication_ratio"`
	Backends             map[string]BackendUsage `json:"backends"`
	TotalReplicatedBytes int64                   `json:"total_replicated_bytes"`
	StorageLimitBytes    int64                   `json:"storage_limit_bytes"`
	StorageLimitExceeded bool                    `json:"storage_limit_exceeded"`
	MonitoringActive     bool                    `json:"monitoring_active"`
	GeneratedAt          time.Time               `json:"generated_at"`
}

// GetAggregateStatus scans the ledger once and summarizes it
func (m *Manager) GetAggregateStatus() *Summary {
	running := m.IsMonitoring()

	m.mu.Lock()
	s := &Summary{
		TotalPins:        len(m.pins),
		ByStatus:         make(map[pin.Status]int, len(pin.Statuses())),
		Backends:         make(map[string]BackendUsage, len(m.backends)),
		MonitoringActive: running,
		GeneratedAt:      m.now().UTC(),
	}
	for _, st := range pin.Statuses() {
		s.ByStatus[st] = 0
	}
	for name := range m.backends {
		s.Backends[name] = BackendUsage{}
	}

	for _, p := range m.pins {
		s.ByStatus[p.Status]++
		s.TotalReplicatedBytes += p.SizeBytes * int64(p.CurrentReplicas)
		for _, name := range p.Backends {
			u := s.Backends[name]
			u.Pins++
			u.TotalSizeBytes += p.SizeBytes
			s.Backends[name] = u
		}
	}

	if limit := m.settings.MaxTotalStorageGB; limit > 0 {
		s.StorageLimitBytes = int64(limit * bytesPerGB)
		s.StorageLimitExceeded = s.TotalReplicatedBytes > s.StorageLimitBytes
	}
	m.mu.Unlock()

	total := s.TotalPins
	if total < 1 {
		total = 1
	}
	s.ReplicationRatio = float64(s.ByStatus[pin.StatusHealthy]) / float64(total)

	m.publish(s)
	return s
}

// publish mirrors the summary into the metrics gauges
func (m *Manager) publish(s *Summary) {
	counts := make(map[string]int, len(s.ByStatus))
	for st, n := range s.ByStatus {
		counts[string(st)] = n
	}
	m.metrics.UpdatePinStatusCounts(counts)
	for name, u := range s.Backends {
		m.metrics.UpdateBackendUsage(name, u.Pins, u.TotalSizeBytes)
	}
}
