package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/maxiofs/pinrep/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager defines the interface for metrics management
type Manager interface {
	// Replication Metrics
	RecordReplicationAttempt(backend string, success bool, duration time.Duration)
	UpdatePinStatusCounts(counts map[string]int)
	UpdateBackendUsage(backend string, pins int, bytes int64)
	RemoveBackend(backend string)

	// Backend health
	RecordBackendHealth(backend string, healthy bool, latency time.Duration)

	// Background work
	RecordMonitorCycle(success bool, duration time.Duration)
	RecordPersistenceFailure(document string)
	RecordImport(imported, failed int)

	// Export and Health
	GetMetricsHandler() http.Handler
	IsHealthy() bool
}

// metricsManager implements the Manager interface using Prometheus
type metricsManager struct {
	registry *prometheus.Registry

	replicationAttemptsTotal *prometheus.CounterVec
	replicationDuration      *prometheus.HistogramVec
	pinsByStatus             *prometheus.GaugeVec
	backendPins              *prometheus.GaugeVec
	backendBytes             *prometheus.GaugeVec
	backendUp                *prometheus.GaugeVec
	backendHealthLatency     *prometheus.HistogramVec
	monitorCyclesTotal       *prometheus.CounterVec
	monitorCycleDuration     prometheus.Histogram
	persistenceFailures      *prometheus.CounterVec
	importedPinsTotal        *prometheus.CounterVec

	mu sync.RWMutex
}

const namespace = "pinrep"

// NewManager creates a new metrics manager. A disabled configuration yields a manager
// that records nothing.
func NewManager(cfg config.MetricsConfig) Manager {
	if !cfg.Enable {
		return &noopManager{}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metricsManager{registry: registry}
	m.initializeMetrics()
	return m
}

// initializeMetrics sets up all Prometheus metrics
func (m *metricsManager) initializeMetrics() {
	m.replicationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "attempts_total",
			Help:      "Total number of replication requests sent to backends",
		},
		[]string{"backend", "result"},
	)

	m.replicationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "attempt_duration_seconds",
			Help:      "Replication request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	m.pinsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "pins",
			Help:      "Number of pins by replication status",
		},
		[]string{"status"},
	)

	m.backendPins = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "pins",
			Help:      "Number of pins replicated on a backend",
		},
		[]string{"backend"},
	)

	m.backendBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "bytes",
			Help:      "Total size of the pins replicated on a backend",
		},
		[]string{"backend"},
	)

	m.backendUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "up",
			Help:      "Whether the last health check of a backend succeeded",
		},
		[]string{"backend"},
	)

	m.backendHealthLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "health_check_seconds",
			Help:      "Backend health check latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	m.monitorCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycles_total",
			Help:      "Total number of monitor cycles",
		},
		[]string{"result"},
	)

	m.monitorCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycle_duration_seconds",
			Help:      "Monitor cycle duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~43min
		},
	)

	m.persistenceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "save_failures_total",
			Help:      "Total number of failed document saves",
		},
		[]string{"document"},
	)

	m.importedPinsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "imported_pins_total",
			Help:      "Total number of pin records processed by imports",
		},
		[]string{"result"},
	)

	m.registry.MustRegister(
		m.replicationAttemptsTotal,
		m.replicationDuration,
		m.pinsByStatus,
		m.backendPins,
		m.backendBytes,
		m.backendUp,
		m.backendHealthLatency,
		m.monitorCyclesTotal,
		m.monitorCycleDuration,
		m.persistenceFailures,
		m.importedPinsTotal,
	)
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (m *metricsManager) RecordReplicationAttempt(backend string, success bool, duration time.Duration) {
	m.replicationAttemptsTotal.WithLabelValues(backend, result(success)).Inc()
	m.replicationDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func (m *metricsManager) UpdatePinStatusCounts(counts map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pinsByStatus.Reset()
	for status, n := range counts {
		m.pinsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

func (m *metricsManager) UpdateBackendUsage(backend string, pins int, bytes int64) {
	m.backendPins.WithLabelValues(backend).Set(float64(pins))
	m.backendBytes.WithLabelValues(backend).Set(float64(bytes))
}

func (m *metricsManager) RemoveBackend(backend string) {
	m.backendPins.DeleteLabelValues(backend)
	m.backendBytes.DeleteLabelValues(backend)
	m.backendUp.DeleteLabelValues(backend)
	m.backendHealthLatency.DeleteLabelValues(backend)
}

func (m *metricsManager) RecordBackendHealth(backend string, healthy bool, latency time.Duration) {
	up := 0.0
	if healthy {
		up = 1
	}
	m.backendUp.WithLabelValues(backend).Set(up)
	m.backendHealthLatency.WithLabelValues(backend).Observe(latency.Seconds())
}

func (m *metricsManager) RecordMonitorCycle(success bool, duration time.Duration) {
	m.monitorCyclesTotal.WithLabelValues(result(success)).Inc()
	m.monitorCycleDuration.Observe(duration.Seconds())
}

func (m *metricsManager) RecordPersistenceFailure(document string) {
	m.persistenceFailures.WithLabelValues(document).Inc()
}

func (m *metricsManager) RecordImport(imported, failed int) {
	m.importedPinsTotal.WithLabelValues("imported").Add(float64(imported))
	m.importedPinsTotal.WithLabelValues("failed").Add(float64(failed))
}

func (m *metricsManager) GetMetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsManager) IsHealthy() bool {
	_, err := m.registry.Gather()
	return err == nil
}

// noopManager is used when metrics are disabled
type noopManager struct{}

func (n *noopManager) RecordReplicationAttempt(string, bool, time.Duration) {}
func (n *noopManager) UpdatePinStatusCounts(map[string]int)                 {}
func (n *noopManager) UpdateBackendUsage(string, int, int64)                {}
func (n *noopManager) RemoveBackend(string)                                 {}
func (n *noopManager) RecordBackendHealth(string, bool, time.Duration)      {}
func (n *noopManager) RecordMonitorCycle(bool, time.Duration)               {}
func (n *noopManager) RecordPersistenceFailure(string)                      {}
func (n *noopManager) RecordImport(int, int)                                {}
func (n *noopManager) IsHealthy() bool                                      { return true }

func (n *noopManager) GetMetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("metrics disabled\n"))
	})
}

// NewNoop returns a manager that records nothing
func NewNoop() Manager {
	return &noopManager{}
}
