package replication

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxiofs/pinrep/internal/backend"
	"github.com/maxiofs/pinrep/internal/pin"
	"github.com/maxiofs/pinrep/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterPin_ReconcilesAcrossBackends(t *testing.T) {
	m, factory := setupTestManager(t)
	ctx := context.Background()
	addBackend(t, m, "b1", 1)
	addBackend(t, m, "b2", 2)

	res, err := m.RegisterPin(ctx, PinRequest{CID: "Qm1", SizeBytes: 10, TargetReplicas: intPtr(2)})
	require.NoError(t, err)
	assert.True(t, res.Created)
	require.NotNil(t, res.Reconcile)
	assert.Equal(t, 2, res.Reconcile.Deficit)
	assert.Equal(t, []string{"b1", "b2"}, res.Reconcile.Added)

	assert.Equal(t, []string{"b1", "b2"}, res.Pin.Backends)
	assert.Equal(t, 2, res.Pin.CurrentReplicas)
	assert.Equal(t, pin.StatusHealthy, res.Pin.Status)
	assert.Empty(t, res.Pin.LastError)

	assert.Equal(t, []string{"Qm1"}, factory.Get("b1").Calls())
	assert.Equal(t, []string{"Qm1"}, factory.Get("b2").Calls())
}

func TestReconcile_PrefersLowestPriority(t *testing.T) {
	m, factory := setupTestManager(t)
	ctx := context.Background()
	addBackend(t, m, "third", 3)
	addBackend(t, m, "first", 1)
	addBackend(t, m, "second", 2)

	res, err := m.RegisterPin(ctx, PinRequest{CID: "QmC", SizeBytes: 10, TargetReplicas: intPtr(1)})
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, res.Pin.Backends)
	assert.Empty(t, factory.Get("second").Calls())
	assert.Empty(t, factory.Get("third").Calls())
}

func TestReconcile_TieBreakByRegistrationOrder(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()
	addBackend(t, m, "zz", 1)
	addBackend(t, m, "aa", 1)

	res, err := m.RegisterPin(ctx, PinRequest{CID: "QmTie", TargetReplicas: intPtr(1)})
	require.NoError(t, err)
	assert.Equal(t, []string{"zz"}, res.Pin.Backends)
}

func TestReconcile_CostOptimization(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	for name, cost := range map[string]float64{"pricey": 0.09, "cheap": 0.01} {
		_, err := m.AddBackend(ctx, backend.Config{
			Name:      name,
			Type:      backend.TypeLocal,
			Priority:  1,
			CostPerGB: floatPtr(cost),
			Enabled:   true,
		})
		require.NoError(t, err)
	}
	_, err := m.UpdateSettings(ctx, settings.Update{EnableCostOptimization: boolPtr(true)})
	require.NoError(t, err)

	res, err := m.RegisterPin(ctx, PinRequest{CID: "QmCost", TargetReplicas: intPtr(1)})
	require.NoError(t, err)
	assert.Equal(t, []string{"cheap"}, res.Pin.Backends)
}

func TestReconcile_SkipsDisabledAndFullBackends(t *testing.T) {
	m, factory := setupTestManager(t)
	ctx := context.Background()

	_, err := m.AddBackend(ctx, backend.Config{Name: "off", Type: backend.TypeLocal, Priority: 0, Enabled: false})
	require.NoError(t, err)
	_, err = m.AddBackend(ctx, backend.Config{Name: "tiny", Type: backend.TypeLocal, Priority: 0, MaxStorageGB: 0.000001, Enabled: true})
	require.NoError(t, err)
	addBackend(t, m, "roomy", 5)

	res, err := m.RegisterPin(ctx, PinRequest{CID: "QmBig", SizeBytes: 10 << 20, TargetReplicas: intPtr(1)})
	require.NoError(t, err)
	assert.Equal(t, []string{"roomy"}, res.Pin.Backends)
	assert.Empty(t, factory.Get("off").Calls())
	assert.Empty(t, factory.Get("tiny").Calls())
}

func TestReconcile_PartialFailureContinues(t *testing.T) {
	m, factory := setupTestManager(t)
	ctx := context.Background()
	addBackend(t, m, "flaky", 1)
	addBackend(t, m, "steady", 2)
	factory.Get("flaky").err = errors.New("connection reset")

	res, err := m.RegisterPin(ctx, PinRequest{CID: "QmPartial", TargetReplicas: intPtr(2)})
	require.NoError(t, err)

	require.Len(t, res.Reconcile.Attempts, 2)
	assert.False(t, res.Reconcile.Attempts[0].Success)
	assert.True(t, res.Reconcile.Attempts[1].Success)
	assert.Len(t, res.Reconcile.Failed(), 1)

	assert.Equal(t, []string{"steady"}, res.Pin.Backends)
	assert.Equal(t, pin.StatusUnderReplicated, res.Pin.Status)
	assert.Contains(t, res.Pin.LastError, "flaky")
}

func TestReconcile_AllAttemptsFailMarksFailed(t *testing.T) {
	m, factory := setupTestManager(t)
	ctx := context.Background()
	addBackend(t, m, "refuser", 1)
	addBackend(t, m, "crasher", 2)
	factory.Get("refuser").refuse = true
	factory.Get("crasher").panics = true

	res, err := m.RegisterPin(ctx, PinRequest{CID: "QmDoomed", TargetReplicas: intPtr(2)})
	require.NoError(t, err)
	assert.Equal(t, pin.StatusFailed, res.Pin.Status)
	assert.Empty(t, res.Pin.Backends)
	assert.NotEmpty(t, res.Pin.LastError)
	require.Len(t, res.Reconcile.Attempts, 2)
	assert.Contains(t, res.Reconcile.Attempts[0].Error, "quota exceeded")
	assert.Contains(t, res.Reconcile.Attempts[1].Error, "panic")
}

func TestReconcile_MisconfiguredAdapterCountsAsFailure(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()
	_, err := m.AddBackend(ctx, backend.Config{
		Name:     "broken",
		Type:     backend.TypeLocal,
		Priority: 1,
		Enabled:  true,
		Metadata: map[string]string{"broken": "true"},
	})
	require.NoError(t, err)
	addBackend(t, m, "fine", 2)

	res, err := m.RegisterPin(ctx, PinRequest{CID: "QmMis", TargetReplicas: intPtr(2)})
	require.NoError(t, err)
	assert.Equal(t, []string{"fine"}, res.Pin.Backends)
	assert.Contains(t, res.Reconcile.Attempts[0].Error, "broken backend")
}

func TestReconcile_NoCandidates(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	res, err := m.RegisterPin(ctx, PinRequest{CID: "QmLonely", TargetReplicas: intPtr(2)})
	require.NoError(t, err)
	assert.Empty(t, res.Reconcile.Attempts)
	assert.Equal(t, pin.StatusUnderReplicated, res.Pin.Status)
}

func TestReconcile_HealthyPinIsNoop(t *testing.T) {
	m, factory := setupTestManager(t)
	ctx := context.Background()
	addBackend(t, m, "b1", 1)

	_, err := m.RegisterPin(ctx, PinRequest{CID: "QmDone", TargetReplicas: intPtr(1)})
	require.NoError(t, err)

	report, err := m.Reconcile(ctx, "QmDone")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Deficit)
	assert.Empty(t, report.Attempts)
	assert.Equal(t, pin.StatusHealthy, report.Status)
	assert.Len(t, factory.Get("b1").Calls(), 1)

	_, err = m.Reconcile(ctx, "QmMissing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterPin_Idempotent(t *testing.T) {
	m, factory := setupTestManager(t)
	ctx := context.Background()
	addBackend(t, m, "b1", 1)

	first, err := m.RegisterPin(ctx, PinRequest{CID: "QmSame", SizeBytes: 5, TargetReplicas: intPtr(1), Priority: intPtr(4)})
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := m.RegisterPin(ctx, PinRequest{CID: "QmSame", SizeBytes: 5})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, []string{"b1"}, second.Pin.Backends)
	assert.Equal(t, 1, second.Pin.TargetReplicas)
	assert.Equal(t, 4, second.Pin.Priority)
	assert.Equal(t, first.Pin.CreatedAt, second.Pin.CreatedAt)
	assert.Len(t, factory.Get("b1").Calls(), 1)

	assert.Len(t, m.ListPins(PinFilter{}), 1)
}

func TestRegisterPin_Validation(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	tests := []PinRequest{
		{CID: " "},
		{CID: "Qm", SizeBytes: -1},
		{CID: "Qm", TargetReplicas: intPtr(0)},
		{CID: "Qm", Priority: intPtr(-2)},
	}
	for _, req := range tests {
		_, err := m.RegisterPin(ctx, req)
		assert.ErrorIs(t, err, ErrValidation)
	}
	assert.Empty(t, m.ListPins(PinFilter{}))
}

func TestRegisterPin_PendingWithoutAutoReplication(t *testing.T) {
	m, factory := setupTestManager(t)
	ctx := context.Background()
	addBackend(t, m, "b1", 1)
	disableAutoReplication(t, m)

	res, err := m.RegisterPin(ctx, PinRequest{CID: "QmWait"})
	require.NoError(t, err)
	assert.Nil(t, res.Reconcile)
	assert.Equal(t, pin.StatusPending, res.Pin.Status)
	assert.Equal(t, 3, res.Pin.TargetReplicas)
	assert.Equal(t, 1, res.Pin.Priority)
	assert.Empty(t, factory.Get("b1").Calls())

	st, err := m.GetPinStatus("QmWait")
	require.NoError(t, err)
	assert.Equal(t, pin.StatusPending, st.StoredStatus)
	assert.Equal(t, pin.StatusUnderReplicated, st.Status)
	assert.Equal(t, 3, st.Deficit)
}

func TestReplicatePinToBackend(t *testing.T) {
	m, factory := setupTestManager(t)
	ctx := context.Background()
	addBackend(t, m, "b1", 1)
	_, err := m.AddBackend(ctx, backend.Config{Name: "off", Type: backend.TypeLocal, Enabled: false})
	require.NoError(t, err)
	addBackend(t, m, "bad", 3)
	factory.Get("bad").err = errors.New("timeout")
	disableAutoReplication(t, m)

	_, err = m.RegisterPin(ctx, PinRequest{CID: "QmX", TargetReplicas: intPtr(1)})
	require.NoError(t, err)

	att, err := m.ReplicatePinToBackend(ctx, "QmX", "b1")
	require.NoError(t, err)
	assert.True(t, att.Success)

	_, err = m.ReplicatePinToBackend(ctx, "QmX", "off")
	assert.ErrorIs(t, err, ErrDisabled)

	att, err = m.ReplicatePinToBackend(ctx, "QmX", "bad")
	assert.ErrorIs(t, err, ErrAdapter)
	require.NotNil(t, att)
	assert.False(t, att.Success)

	_, err = m.ReplicatePinToBackend(ctx, "QmX", "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.ReplicatePinToBackend(ctx, "QmGhost", "b1")
	assert.ErrorIs(t, err, ErrNotFound)

	st, err := m.GetPinStatus("QmX")
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, st.Pin.Backends)
	assert.Equal(t, pin.StatusHealthy, st.Pin.Status)
	assert.Contains(t, st.Pin.LastError, "timeout")
}

func TestListPins_Filters(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()
	addBackend(t, m, "b1", 1)
	disableAutoReplication(t, m)

	for _, req := range []PinRequest{
		{CID: "QmB", Priority: intPtr(2), TargetReplicas: intPtr(1)},
		{CID: "QmA", Priority: intPtr(2), TargetReplicas: intPtr(1)},
		{CID: "QmZ", Priority: intPtr(0), TargetReplicas: intPtr(1)},
	} {
		_, err := m.RegisterPin(ctx, req)
		require.NoError(t, err)
	}
	_, err := m.ReplicatePinToBackend(ctx, "QmA", "b1")
	require.NoError(t, err)

	all := m.ListPins(PinFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, "QmZ", all[0].CID)
	assert.Equal(t, "QmA", all[1].CID)
	assert.Equal(t, "QmB", all[2].CID)

	onB1 := m.ListPins(PinFilter{Backend: "b1"})
	require.Len(t, onB1, 1)
	assert.Equal(t, "QmA", onB1[0].CID)

	healthy := m.ListPins(PinFilter{Status: pin.StatusHealthy})
	require.Len(t, healthy, 1)
	assert.Equal(t, "QmA", healthy[0].CID)
}

func TestGetAggregateStatus(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()
	addBackend(t, m, "b1", 1)
	addBackend(t, m, "b2", 2)
	_, err := m.UpdateSettings(ctx, settings.Update{MaxTotalStorageGB: floatPtr(1)})
	require.NoError(t, err)

	_, err = m.RegisterPin(ctx, PinRequest{CID: "QmHealthy", SizeBytes: 600 << 20, TargetReplicas: intPtr(2)})
	require.NoError(t, err)
	_, err = m.RegisterPin(ctx, PinRequest{CID: "QmShort", SizeBytes: 1, TargetReplicas: intPtr(3)})
	require.NoError(t, err)

	s := m.GetAggregateStatus()
	assert.Equal(t, 2, s.TotalPins)
	assert.Equal(t, 1, s.ByStatus[pin.StatusHealthy])
	assert.Equal(t, 1, s.ByStatus[pin.StatusUnderReplicated])
	assert.Equal(t, 0, s.ByStatus[pin.StatusFailed])
	assert.InDelta(t, 0.5, s.ReplicationRatio, 1e-9)
	assert.Equal(t, 2, s.Backends["b1"].Pins)
	assert.Equal(t, int64(600<<20+1), s.Backends["b1"].TotalSizeBytes)
	assert.Equal(t, int64(2*(600<<20)+2), s.TotalReplicatedBytes)
	assert.Equal(t, int64(1<<30), s.StorageLimitBytes)
	assert.True(t, s.StorageLimitExceeded)
	assert.False(t, s.MonitoringActive)
}

func TestGetAggregateStatus_Empty(t *testing.T) {
	m, _ := setupTestManager(t)

	s := m.GetAggregateStatus()
	assert.Equal(t, 0, s.TotalPins)
	assert.Equal(t, 0.0, s.ReplicationRatio)
	assert.Len(t, s.ByStatus, len(pin.Statuses()))
}

// finishWithin fails the test when fn does not return in time
func finishWithin(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("did not finish within %s", d)
	}
}

func TestReplication_AdapterMayReadManagerState(t *testing.T) {
	m, factory := setupTestManager(t)
	ctx := context.Background()
	addBackend(t, m, "b1", 1)
	addBackend(t, m, "b2", 2)
	disableAutoReplication(t, m)

	var seen []pin.Status
	var mu sync.Mutex
	hook := func(cid string) {
		st, err := m.GetPinStatus(cid)
		if assert.NoError(t, err) {
			mu.Lock()
			seen = append(seen, st.Pin.Status)
			mu.Unlock()
		}
		assert.Len(t, m.ListBackends(), 2)
	}
	factory.Get("b1").onReplicate = hook
	factory.Get("b2").onReplicate = hook

	_, err := m.RegisterPin(ctx, PinRequest{CID: "QmReentrant", TargetReplicas: intPtr(1)})
	require.NoError(t, err)

	var report *ReconcileReport
	finishWithin(t, 5*time.Second, func() {
		report, err = m.Reconcile(ctx, "QmReentrant")
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, report.Added)

	var att *Attempt
	finishWithin(t, 5*time.Second, func() {
		att, err = m.ReplicatePinToBackend(ctx, "QmReentrant", "b2")
	})
	require.NoError(t, err)
	assert.True(t, att.Success)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []pin.Status{pin.StatusPending, pin.StatusHealthy}, seen)
}

func TestReconcile_SuccessOnRemovedBackendIsNotFailure(t *testing.T) {
	m, factory := setupTestManager(t)
	ctx := context.Background()
	addBackend(t, m, "b1", 1)
	disableAutoReplication(t, m)

	_, err := m.RegisterPin(ctx, PinRequest{CID: "QmVanish", TargetReplicas: intPtr(1)})
	require.NoError(t, err)

	// The backend is dropped while the pin is being replicated to it
	factory.Get("b1").onReplicate = func(string) {
		assert.NoError(t, m.RemoveBackend(ctx, "b1"))
	}

	var report *ReconcileReport
	finishWithin(t, 5*time.Second, func() {
		report, err = m.Reconcile(ctx, "QmVanish")
	})
	require.NoError(t, err)

	require.Len(t, report.Attempts, 1)
	assert.True(t, report.Attempts[0].Success)
	assert.Empty(t, report.Failed())
	assert.Empty(t, report.Added)
	assert.Equal(t, pin.StatusUnderReplicated, report.Status)

	st, err := m.GetPinStatus("QmVanish")
	require.NoError(t, err)
	assert.Equal(t, pin.StatusUnderReplicated, st.Pin.Status)
	assert.Empty(t, st.Pin.Backends)
	assert.Empty(t, st.Pin.LastError)
}
