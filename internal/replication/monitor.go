package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/maxiofs/pinrep/internal/persist"
	"github.com/maxiofs/pinrep/internal/pin"
	"github.com/sirupsen/logrus"
)

const historyCleanupInterval = 24 * time.Hour

// CycleReport summarizes one monitor cycle
type CycleReport struct {
	Reclassified   int                `json:"reclassified"`
	Selected       int                `json:"selected"`
	Reconciled     []*ReconcileReport `json:"reconciled"`
	HealthChecked  int                `json:"health_checked"`
	AutoReplicated bool               `json:"auto_replicated"`
}

// StartMonitoring launches the background loop. It reports false if the loop was already
// running.
func (m *Manager) StartMonitoring() bool {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.monMu.Lock()
	defer m.monMu.Unlock()

	if m.monCancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.monCancel = cancel
	m.monDone = done

	go m.monitorLoop(ctx, done)

	m.log.Info("Replication monitor started")
	return true
}

// StopMonitoring cancels the loop and waits for it to return. A cycle in progress runs
// to completion first, and StartMonitoring blocks until it has. It reports false if the
// loop was not running.
func (m *Manager) StopMonitoring() bool {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.monMu.Lock()
	cancel, done := m.monCancel, m.monDone
	m.monMu.Unlock()

	if cancel == nil {
		return false
	}

	cancel()
	<-done

	m.monMu.Lock()
	m.monCancel, m.monDone = nil, nil
	m.monMu.Unlock()

	m.log.Info("Replication monitor stopped")
	return true
}

// IsMonitoring reports whether the background loop is running
func (m *Manager) IsMonitoring() bool {
	m.monMu.Lock()
	defer m.monMu.Unlock()
	return m.monCancel != nil
}

func (m *Manager) monitorLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	// Cycles never see the stop signal so adapter calls in flight are not cut short
	work := context.WithoutCancel(ctx)

	for {
		wait := m.replicationInterval()
		if _, err := m.safeCycle(work); err != nil {
			m.log.WithError(err).WithField("backoff", m.errorBackoff.String()).Error("Monitor cycle failed")
			wait = m.errorBackoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) replicationInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings.ReplicationCheckInterval.Std()
}

// safeCycle runs one cycle and turns a panic into an error
func (m *Manager) safeCycle(ctx context.Context) (report *CycleReport, err error) {
	start := m.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor cycle panic: %v", r)
		}
		m.metrics.RecordMonitorCycle(err == nil, m.now().Sub(start))
	}()
	return m.RunCycle(ctx)
}

// RunCycle performs one monitor cycle: a health sweep over the ledger, reconciliation of
// the most urgent under-replicated pins when auto replication is on, and backend health
// checks when they are due.
func (m *Manager) RunCycle(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{Reconciled: []*ReconcileReport{}}

	m.mu.Lock()
	for _, p := range m.pins {
		if p.Reclassify() {
			report.Reclassified++
		}
	}
	var saveErr error
	if report.Reclassified > 0 {
		saveErr = m.saveLocked(ctx, persist.DocPins)
	}

	auto := m.settings.AutoReplication
	var urgent []string
	if auto {
		urgent = m.urgentPinsLocked(m.settings.Policy.BatchSize(m.batchSize), m.settings.EmergencyBackupEnabled)
	}
	healthEvery := m.settings.HealthCheckInterval.Std()
	m.mu.Unlock()

	report.AutoReplicated = auto
	report.Selected = len(urgent)

	var errs []error
	if saveErr != nil {
		errs = append(errs, saveErr)
	}
	for _, cid := range urgent {
		r, err := m.Reconcile(ctx, cid)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		report.Reconciled = append(report.Reconciled, r)
	}

	report.HealthChecked = m.checkBackendsIfDue(ctx, healthEvery)
	m.cleanupHistoryIfDue(ctx)

	summary := m.GetAggregateStatus()
	m.log.WithFields(logrus.Fields{
		"reclassified":      report.Reclassified,
		"reconciled":        len(report.Reconciled),
		"health_checked":    report.HealthChecked,
		"replication_ratio": summary.ReplicationRatio,
	}).Debug("Monitor cycle completed")

	return report, errors.Join(errs...)
}

// urgentPinsLocked returns up to limit under-replicated pins: ascending priority, then
// oldest first. With emergency backup on, pins with no replica at all come first.
func (m *Manager) urgentPinsLocked(limit int, emergency bool) []string {
	var under []*pin.Replication
	for _, p := range m.pins {
		if p.Status == pin.StatusUnderReplicated {
			under = append(under, p)
		}
	}

	sort.Slice(under, func(i, j int) bool {
		a, b := under[i], under[j]
		if emergency && (a.CurrentReplicas == 0) != (b.CurrentReplicas == 0) {
			return a.CurrentReplicas == 0
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.CID < b.CID
	})

	if len(under) > limit {
		under = under[:limit]
	}
	out := make([]string, len(under))
	for i, p := range under {
		out[i] = p.CID
	}
	return out
}

func (m *Manager) checkBackendsIfDue(ctx context.Context, every time.Duration) int {
	m.monMu.Lock()
	due := every > 0 && m.now().Sub(m.lastHealth) >= every
	if due {
		m.lastHealth = m.now()
	}
	m.monMu.Unlock()
	if !due {
		return 0
	}

	m.mu.Lock()
	var names []string
	for _, cfg := range m.sortedBackendsLocked() {
		if cfg.Enabled {
			names = append(names, cfg.Name)
		}
	}
	m.mu.Unlock()

	checked := 0
	for _, name := range names {
		if _, err := m.CheckBackendHealth(ctx, name); err == nil {
			checked++
		}
	}
	return checked
}

func (m *Manager) cleanupHistoryIfDue(ctx context.Context) {
	if m.history == nil || m.historyRetention <= 0 {
		return
	}

	m.monMu.Lock()
	due := m.now().Sub(m.lastCleanup) >= historyCleanupInterval
	if due {
		m.lastCleanup = m.now()
	}
	m.monMu.Unlock()

	if due {
		if _, err := m.history.Cleanup(ctx, m.historyRetention); err != nil {
			m.log.WithError(err).Warn("Failed to clean up replication history")
		}
	}
}
