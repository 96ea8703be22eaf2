package pin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, StatusUnderReplicated, Classify(0, 1))
	assert.Equal(t, StatusHealthy, Classify(3, 3))
	assert.Equal(t, StatusOverReplicated, Classify(4, 3))
}

func TestReplication_BackendSet(t *testing.T) {
	r := &Replication{CID: "Qm1", TargetReplicas: 2}
	r.Normalize()
	assert.Equal(t, []string{}, r.Backends)

	assert.True(t, r.AddBackend("zeta"))
	assert.True(t, r.AddBackend("alpha"))
	assert.False(t, r.AddBackend("alpha"))
	assert.Equal(t, []string{"alpha", "zeta"}, r.Backends)
	assert.Equal(t, 2, r.CurrentReplicas)
	assert.True(t, r.HasBackend("zeta"))
	assert.False(t, r.HasBackend("mid"))

	assert.True(t, r.RemoveBackend("alpha"))
	assert.False(t, r.RemoveBackend("alpha"))
	assert.Equal(t, 1, r.CurrentReplicas)
	assert.Equal(t, 1, r.Deficit())
}

func TestReplication_Normalize(t *testing.T) {
	r := &Replication{Backends: []string{"b", "", "a", "b", "a"}, CurrentReplicas: 9}
	r.Normalize()
	assert.Equal(t, []string{"a", "b"}, r.Backends)
	assert.Equal(t, 2, r.CurrentReplicas)
}

func TestReplication_Reclassify(t *testing.T) {
	r := &Replication{TargetReplicas: 1, Status: StatusPending}
	assert.True(t, r.Reclassify())
	assert.Equal(t, StatusUnderReplicated, r.Status)
	assert.False(t, r.Reclassify())

	r.AddBackend("b1")
	assert.True(t, r.Reclassify())
	assert.Equal(t, StatusHealthy, r.Status)

	r.Status = StatusFailed
	assert.True(t, r.Reclassify())
	assert.Equal(t, StatusHealthy, r.Status)
}

func TestReplication_Clone(t *testing.T) {
	r := &Replication{CID: "Qm1", Backends: []string{"a"}, Metadata: map[string]string{"k": "v"}}
	c := r.Clone()
	c.Backends[0] = "changed"
	c.Metadata["k"] = "changed"
	assert.Equal(t, "a", r.Backends[0])
	assert.Equal(t, "v", r.Metadata["k"])
}
