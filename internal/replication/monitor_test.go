package replication

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxiofs/pinrep/internal/metrics"
	"github.com/maxiofs/pinrep/internal/pin"
	"github.com/maxiofs/pinrep/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCycle_SweepsAndReconciles(t *testing.T) {
	m, factory := setupTestManager(t)
	ctx := context.Background()
	addBackend(t, m, "b1", 1)
	addBackend(t, m, "b2", 2)
	disableAutoReplication(t, m)

	_, err := m.RegisterPin(ctx, PinRequest{CID: "QmLater", TargetReplicas: intPtr(2)})
	require.NoError(t, err)

	_, err = m.UpdateSettings(ctx, settings.Update{AutoReplication: boolPtr(true)})
	require.NoError(t, err)

	report, err := m.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reclassified)
	assert.Equal(t, 1, report.Selected)
	require.Len(t, report.Reconciled, 1)
	assert.Equal(t, []string{"b1", "b2"}, report.Reconciled[0].Added)
	assert.Equal(t, 2, report.HealthChecked)

	st, err := m.GetPinStatus("QmLater")
	require.NoError(t, err)
	assert.Equal(t, pin.StatusHealthy, st.Pin.Status)
	assert.Len(t, factory.Get("b1").Calls(), 1)

	// Health checks are not due again within the interval
	report, err = m.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.HealthChecked)
	assert.Equal(t, 0, report.Selected)
}

func TestRunCycle_SweepOnlyWithoutAutoReplication(t *testing.T) {
	m, factory := setupTestManager(t)
	ctx := context.Background()
	addBackend(t, m, "b1", 1)
	disableAutoReplication(t, m)

	_, err := m.RegisterPin(ctx, PinRequest{CID: "QmIdle", TargetReplicas: intPtr(1)})
	require.NoError(t, err)

	report, err := m.RunCycle(ctx)
	require.NoError(t, err)
	assert.False(t, report.AutoReplicated)
	assert.Equal(t, 1, report.Reclassified)
	assert.Equal(t, 0, report.Selected)
	assert.Empty(t, factory.Get("b1").Calls())

	st, err := m.GetPinStatus("QmIdle")
	require.NoError(t, err)
	assert.Equal(t, pin.StatusUnderReplicated, st.Pin.Status)
}

func TestRunCycle_FailedPinIsRetried(t *testing.T) {
	m, factory := setupTestManager(t)
	ctx := context.Background()
	addBackend(t, m, "b1", 1)
	factory.Get("b1").refuse = true

	res, err := m.RegisterPin(ctx, PinRequest{CID: "QmRetry", TargetReplicas: intPtr(1)})
	require.NoError(t, err)
	require.Equal(t, pin.StatusFailed, res.Pin.Status)

	factory.Get("b1").refuse = false

	report, err := m.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reclassified)
	require.Len(t, report.Reconciled, 1)

	st, err := m.GetPinStatus("QmRetry")
	require.NoError(t, err)
	assert.Equal(t, pin.StatusHealthy, st.Pin.Status)
	assert.Empty(t, st.Pin.LastError)
}

func TestUrgentPins_Ordering(t *testing.T) {
	m, _ := setupTestManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.pins = map[string]*pin.Replication{
		"QmOldLow":  {CID: "QmOldLow", Priority: 1, CreatedAt: base, Backends: []string{"x"}, CurrentReplicas: 1, Status: pin.StatusUnderReplicated},
		"QmNewLow":  {CID: "QmNewLow", Priority: 1, CreatedAt: base.Add(time.Hour), Backends: []string{"x"}, CurrentReplicas: 1, Status: pin.StatusUnderReplicated},
		"QmUrgent":  {CID: "QmUrgent", Priority: 0, CreatedAt: base.Add(2 * time.Hour), Backends: []string{"x"}, CurrentReplicas: 1, Status: pin.StatusUnderReplicated},
		"QmNaked":   {CID: "QmNaked", Priority: 9, CreatedAt: base.Add(3 * time.Hour), Backends: []string{}, Status: pin.StatusUnderReplicated},
		"QmHealthy": {CID: "QmHealthy", Priority: 0, CreatedAt: base, Status: pin.StatusHealthy},
	}

	assert.Equal(t, []string{"QmNaked", "QmUrgent", "QmOldLow", "QmNewLow"}, m.urgentPinsLocked(10, true))
	assert.Equal(t, []string{"QmUrgent", "QmOldLow", "QmNewLow", "QmNaked"}, m.urgentPinsLocked(10, false))
	assert.Equal(t, []string{"QmNaked", "QmUrgent"}, m.urgentPinsLocked(2, true))
}

func TestRunCycle_PolicyScalesBatch(t *testing.T) {
	env := newTestEnv(t)
	m := env.open(t, func(o *Options) { o.BatchSize = 2 })
	ctx := context.Background()
	addBackend(t, m, "b1", 1)
	disableAutoReplication(t, m)

	for _, cid := range []string{"Qm1", "Qm2", "Qm3", "Qm4", "Qm5"} {
		_, err := m.RegisterPin(ctx, PinRequest{CID: cid, TargetReplicas: intPtr(1)})
		require.NoError(t, err)
	}

	_, err := m.UpdateSettings(ctx, settings.Update{AutoReplication: boolPtr(true), Policy: strPtr("conservative")})
	require.NoError(t, err)
	report, err := m.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Selected)

	_, err = m.UpdateSettings(ctx, settings.Update{Policy: strPtr("aggressive")})
	require.NoError(t, err)
	report, err = m.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Selected)
}

func TestMonitoring_StartStop(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()
	addBackend(t, m, "b1", 1)
	disableAutoReplication(t, m)

	_, err := m.RegisterPin(ctx, PinRequest{CID: "QmBg", TargetReplicas: intPtr(1)})
	require.NoError(t, err)
	_, err = m.UpdateSettings(ctx, settings.Update{AutoReplication: boolPtr(true)})
	require.NoError(t, err)

	assert.True(t, m.StartMonitoring())
	assert.False(t, m.StartMonitoring())
	assert.True(t, m.IsMonitoring())
	assert.True(t, m.GetSettings().MonitorRunning)

	// The first cycle runs without waiting for the interval
	assert.Eventually(t, func() bool {
		st, err := m.GetPinStatus("QmBg")
		return err == nil && st.Pin.Status == pin.StatusHealthy
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, m.StopMonitoring())
	assert.False(t, m.IsMonitoring())
	assert.False(t, m.StopMonitoring())

	// The loop can be restarted after a stop
	assert.True(t, m.StartMonitoring())
	require.NoError(t, m.Close())
	assert.False(t, m.IsMonitoring())
}

// cycleMetrics counts monitor cycle outcomes; while failing is set, publishing the
// status gauges panics
type cycleMetrics struct {
	metrics.Manager
	failing   atomic.Bool
	failures  atomic.Int32
	successes atomic.Int32
}

func (c *cycleMetrics) UpdatePinStatusCounts(counts map[string]int) {
	if c.failing.Load() {
		panic("status gauges unavailable")
	}
}

func (c *cycleMetrics) RecordMonitorCycle(success bool, duration time.Duration) {
	if success {
		c.successes.Add(1)
		return
	}
	c.failures.Add(1)
}

func TestMonitoring_SurvivesPanickingCycles(t *testing.T) {
	env := newTestEnv(t)
	cm := &cycleMetrics{Manager: metrics.NewNoop()}
	m := env.open(t, func(o *Options) {
		o.Metrics = cm
		o.ErrorBackoff = 10 * time.Millisecond
	})
	cm.failing.Store(true)

	require.True(t, m.StartMonitoring())

	// Failed cycles are retried after the error backoff, not the check interval
	assert.Eventually(t, func() bool {
		return cm.failures.Load() >= 2
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, m.IsMonitoring())
	assert.Zero(t, cm.successes.Load())

	cm.failing.Store(false)
	assert.Eventually(t, func() bool {
		return cm.successes.Load() >= 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, m.IsMonitoring())

	var stopped bool
	finishWithin(t, 5*time.Second, func() {
		stopped = m.StopMonitoring()
	})
	assert.True(t, stopped)
	assert.False(t, m.IsMonitoring())
}

func TestMonitoring_StartWaitsForStoppingLoop(t *testing.T) {
	m, factory := setupTestManager(t)
	ctx := context.Background()
	addBackend(t, m, "b1", 1)
	disableAutoReplication(t, m)

	_, err := m.RegisterPin(ctx, PinRequest{CID: "QmSlow", TargetReplicas: intPtr(1)})
	require.NoError(t, err)
	_, err = m.UpdateSettings(ctx, settings.Update{AutoReplication: boolPtr(true)})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	factory.Get("b1").onReplicate = func(string) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	require.True(t, m.StartMonitoring())
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor cycle never reached the adapter")
	}

	stopped := make(chan bool, 1)
	go func() { stopped <- m.StopMonitoring() }()

	// Wait until the stop holds the lifecycle lock and is draining the loop
	assert.Eventually(t, func() bool {
		if m.lifecycleMu.TryLock() {
			m.lifecycleMu.Unlock()
			return false
		}
		return true
	}, 5*time.Second, time.Millisecond)

	started := make(chan bool, 1)
	go func() { started <- m.StartMonitoring() }()

	assert.Never(t, func() bool {
		return len(started) > 0 || len(stopped) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.True(t, m.IsMonitoring())

	close(release)

	finishWithin(t, 5*time.Second, func() {
		assert.True(t, <-stopped)
		assert.True(t, <-started)
	})
	assert.True(t, m.IsMonitoring())

	st, err := m.GetPinStatus("QmSlow")
	require.NoError(t, err)
	assert.Equal(t, pin.StatusHealthy, st.Pin.Status)
	assert.Len(t, factory.Get("b1").Calls(), 1)

	require.NoError(t, m.Close())
	assert.False(t, m.IsMonitoring())
}
