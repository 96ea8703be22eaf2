package settings

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func intPtr(v int) *int { return &v }

func TestDefault(t *testing.T) {
	s := Default()
	assert.Equal(t, 2, s.MinReplicas)
	assert.Equal(t, 3, s.TargetReplicas)
	assert.Equal(t, 5, s.MaxReplicas)
	assert.Equal(t, 1000.0, s.MaxTotalStorageGB)
	assert.Equal(t, PolicyBalanced, s.Policy)
	assert.True(t, s.AutoReplication)
	assert.False(t, s.EnableCostOptimization)
	assert.True(t, s.EmergencyBackupEnabled)
	assert.Equal(t, 5*time.Minute, s.HealthCheckInterval.Std())
	assert.Equal(t, 10*time.Minute, s.ReplicationCheckInterval.Std())
	assert.NoError(t, s.Validate())
}

func TestApply_ReplicaOrdering(t *testing.T) {
	base := Default()

	tests := []struct {
		name    string
		update  Update
		wantErr string
	}{
		{"target above max", Update{MinReplicas: intPtr(1), TargetReplicas: intPtr(2), MaxReplicas: intPtr(1)}, "target_replicas must be <= max_replicas"},
		{"target below min", Update{TargetReplicas: intPtr(1)}, "target_replicas must be >= min_replicas"},
		{"min zero", Update{MinReplicas: intPtr(0), TargetReplicas: intPtr(1)}, "min_replicas"},
		{"max below min", Update{MaxReplicas: intPtr(1), TargetReplicas: intPtr(1), MinReplicas: intPtr(2)}, "max_replicas must be >= min_replicas"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := base.Apply(tt.update)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, Settings{}, out)
		})
	}

	// The receiver is never modified
	assert.Equal(t, Default(), base)
}

func TestApply_Valid(t *testing.T) {
	hc := Duration(30 * time.Second)
	out, err := Default().Apply(Update{
		MinReplicas:         intPtr(1),
		TargetReplicas:      intPtr(1),
		HealthCheckInterval: &hc,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.MinReplicas)
	assert.Equal(t, 1, out.TargetReplicas)
	assert.Equal(t, 5, out.MaxReplicas)
	assert.Equal(t, 30*time.Second, out.HealthCheckInterval.Std())

	out, err = Default().Apply(Update{})
	require.NoError(t, err)
	assert.Equal(t, Default(), out)
	assert.True(t, Update{}.IsEmpty())
}

func TestApply_RejectsZeroInterval(t *testing.T) {
	zero := Duration(0)
	_, err := Default().Apply(Update{ReplicationCheckInterval: &zero})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replication_check_interval")
}

func TestApply_StorageBudgetBounds(t *testing.T) {
	huge := 1e10
	_, err := Default().Apply(Update{MaxTotalStorageGB: &huge})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_total_storage_gb must satisfy lte=1000000000")

	limit := 1e9
	out, err := Default().Apply(Update{MaxTotalStorageGB: &limit})
	require.NoError(t, err)
	assert.Equal(t, limit, out.MaxTotalStorageGB)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy(" Conservative ")
	require.NoError(t, err)
	assert.Equal(t, PolicyConservative, p)

	_, err = ParsePolicy("yolo")
	assert.Error(t, err)
}

func TestPolicy_BatchSize(t *testing.T) {
	assert.Equal(t, 5, PolicyConservative.BatchSize(10))
	assert.Equal(t, 1, PolicyConservative.BatchSize(1))
	assert.Equal(t, 10, PolicyBalanced.BatchSize(10))
	assert.Equal(t, 20, PolicyAggressive.BatchSize(10))
}

func TestDuration_Encoding(t *testing.T) {
	s := Default()
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"health_check_interval":"5m0s"`)

	var decoded Settings
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, s, decoded)

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`90`), &d))
	assert.Equal(t, 90*time.Second, d.Std())
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))

	var y struct {
		Every Duration `yaml:"every"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("every: 2m\n"), &y))
	assert.Equal(t, 2*time.Minute, y.Every.Std())
	require.NoError(t, yaml.Unmarshal([]byte("every: 15\n"), &y))
	assert.Equal(t, 15*time.Second, y.Every.Std())
}
