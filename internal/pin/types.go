package pin

import (
	"sort"
	"time"
)

// Status is the replication health of a pin
type Status string

const (
	StatusPending         Status = "pending"
	StatusUnderReplicated Status = "under_replicated"
	StatusHealthy         Status = "healthy"
	StatusOverReplicated  Status = "over_replicated"
	StatusFailed          Status = "failed"
)

// Statuses lists every status in a stable order
func Statuses() []Status {
	return []Status{StatusPending, StatusUnderReplicated, StatusHealthy, StatusOverReplicated, StatusFailed}
}

// Classify derives the status from the replica counts alone
func Classify(current, target int) Status {
	switch {
	case current < target:
		return StatusUnderReplicated
	case current > target:
		return StatusOverReplicated
	default:
		return StatusHealthy
	}
}

// Replication is the ledger entry for one CID
type Replication struct {
	CID             string            `json:"cid" yaml:"cid"`
	VFSMetadataID   string            `json:"vfs_metadata_id,omitempty" yaml:"vfs_metadata_id,omitempty"`
	SizeBytes       int64             `json:"size_bytes" yaml:"size_bytes"`
	Backends        []string          `json:"backends" yaml:"backends"`
	TargetReplicas  int               `json:"target_replicas" yaml:"target_replicas"`
	CurrentReplicas int               `json:"current_replicas" yaml:"current_replicas"`
	Status          Status            `json:"status" yaml:"status"`
	Priority        int               `json:"priority" yaml:"priority"`
	CreatedAt       time.Time         `json:"created_at" yaml:"created_at"`
	LastChecked     time.Time         `json:"last_checked" yaml:"last_checked"`
	LastError       string            `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// HasBackend reports whether name holds a replica
func (r *Replication) HasBackend(name string) bool {
	i := sort.SearchStrings(r.Backends, name)
	return i < len(r.Backends) && r.Backends[i] == name
}

// AddBackend records a replica on name. It returns false if one was already recorded.
func (r *Replication) AddBackend(name string) bool {
	i := sort.SearchStrings(r.Backends, name)
	if i < len(r.Backends) && r.Backends[i] == name {
		return false
	}
	r.Backends = append(r.Backends, "")
	copy(r.Backends[i+1:], r.Backends[i:])
	r.Backends[i] = name
	r.CurrentReplicas = len(r.Backends)
	return true
}

// RemoveBackend drops the replica record for name
func (r *Replication) RemoveBackend(name string) bool {
	i := sort.SearchStrings(r.Backends, name)
	if i >= len(r.Backends) || r.Backends[i] != name {
		return false
	}
	r.Backends = append(r.Backends[:i], r.Backends[i+1:]...)
	r.CurrentReplicas = len(r.Backends)
	return true
}

// Normalize sorts and de-duplicates the backend set and recomputes the replica count
func (r *Replication) Normalize() {
	if len(r.Backends) > 0 {
		sort.Strings(r.Backends)
		out := r.Backends[:1]
		for _, b := range r.Backends[1:] {
			if b != out[len(out)-1] && b != "" {
				out = append(out, b)
			}
		}
		if out[0] == "" {
			out = out[1:]
		}
		r.Backends = out
	}
	if r.Backends == nil {
		r.Backends = []string{}
	}
	r.CurrentReplicas = len(r.Backends)
}

// Deficit is the number of replicas still missing
func (r *Replication) Deficit() int {
	return r.TargetReplicas - r.CurrentReplicas
}

// Reclassify recomputes Status from the replica counts and reports whether it changed
func (r *Replication) Reclassify() bool {
	next := Classify(r.CurrentReplicas, r.TargetReplicas)
	if next == r.Status {
		return false
	}
	r.Status = next
	return true
}

// Clone returns a deep copy of r
func (r *Replication) Clone() *Replication {
	out := *r
	out.Backends = append([]string(nil), r.Backends...)
	if out.Backends == nil {
		out.Backends = []string{}
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
