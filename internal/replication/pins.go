package replication

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/maxiofs/pinrep/internal/persist"
	"github.com/maxiofs/pinrep/internal/pin"
	"github.com/sirupsen/logrus"
)

const defaultPinPriority = 1

// PinRequest registers or updates a pin. Nil TargetReplicas and Priority keep the
// existing values, or fall back to the settings target and priority 1 for new pins.
type PinRequest struct {
	CID            string            `json:"cid"`
	SizeBytes      int64             `json:"size_bytes"`
	TargetReplicas *int              `json:"target_replicas,omitempty"`
	Priority       *int              `json:"priority,omitempty"`
	VFSMetadataID  string            `json:"vfs_metadata_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (r PinRequest) validate() error {
	var msgs []string
	if strings.TrimSpace(r.CID) == "" {
		msgs = append(msgs, "cid is required")
	}
	if r.SizeBytes < 0 {
		msgs = append(msgs, "size_bytes must be >= 0")
	}
	if r.TargetReplicas != nil && *r.TargetReplicas < 1 {
		msgs = append(msgs, "target_replicas must be >= 1")
	}
	if r.Priority != nil && *r.Priority < 0 {
		msgs = append(msgs, "priority must be >= 0")
	}
	if len(msgs) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
	}
	return nil
}

// RegisterResult is returned by RegisterPin
type RegisterResult struct {
	Pin       *pin.Replication `json:"pin"`
	Created   bool             `json:"created"`
	Reconcile *ReconcileReport `json:"reconcile,omitempty"`
}

// RegisterPin upserts a pin. With auto replication on, the pin is reconciled before
// returning.
func (m *Manager) RegisterPin(ctx context.Context, req PinRequest) (*RegisterResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	cid := strings.TrimSpace(req.CID)

	m.mu.Lock()
	p, exists := m.pins[cid]
	if exists {
		p.SizeBytes = req.SizeBytes
		if req.TargetReplicas != nil {
			p.TargetReplicas = *req.TargetReplicas
		}
		if req.Priority != nil {
			p.Priority = *req.Priority
		}
		if req.VFSMetadataID != "" {
			p.VFSMetadataID = req.VFSMetadataID
		}
		if len(req.Metadata) > 0 {
			if p.Metadata == nil {
				p.Metadata = make(map[string]string, len(req.Metadata))
			}
			for k, v := range req.Metadata {
				p.Metadata[k] = v
			}
		}
		if p.Status != pin.StatusPending {
			p.Reclassify()
		}
	} else {
		p = &pin.Replication{
			CID:            cid,
			VFSMetadataID:  req.VFSMetadataID,
			SizeBytes:      req.SizeBytes,
			Backends:       []string{},
			TargetReplicas: m.settings.TargetReplicas,
			Status:         pin.StatusPending,
			Priority:       defaultPinPriority,
			CreatedAt:      m.now().UTC(),
		}
		if req.TargetReplicas != nil {
			p.TargetReplicas = *req.TargetReplicas
		}
		if req.Priority != nil {
			p.Priority = *req.Priority
		}
		if len(req.Metadata) > 0 {
			p.Metadata = make(map[string]string, len(req.Metadata))
			for k, v := range req.Metadata {
				p.Metadata[k] = v
			}
		}
		m.pins[cid] = p
	}
	auto := m.settings.AutoReplication
	target := p.TargetReplicas
	_ = m.saveLocked(ctx, persist.DocPins)
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"cid":     cid,
		"created": !exists,
		"target":  target,
	}).Info("Pin registered")

	res := &RegisterResult{Created: !exists}
	if auto {
		report, err := m.Reconcile(ctx, cid)
		if err != nil {
			return nil, err
		}
		res.Reconcile = report
	}

	m.mu.Lock()
	res.Pin = m.pins[cid].Clone()
	m.mu.Unlock()

	return res, nil
}

// PinStatus is a pin's stored state with a freshly computed classification
type PinStatus struct {
	Pin          *pin.Replication `json:"pin"`
	Status       pin.Status       `json:"status"`
	StoredStatus pin.Status       `json:"stored_status"`
	Deficit      int              `json:"deficit"`
}

// GetPinStatus returns the pin and its current classification without changing the ledger
func (m *Manager) GetPinStatus(cid string) (*PinStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pins[cid]
	if !ok {
		return nil, notFound("pin", cid)
	}

	deficit := p.Deficit()
	if deficit < 0 {
		deficit = 0
	}
	return &PinStatus{
		Pin:          p.Clone(),
		Status:       pin.Classify(p.CurrentReplicas, p.TargetReplicas),
		StoredStatus: p.Status,
		Deficit:      deficit,
	}, nil
}

// PinFilter narrows ListPins; zero fields match everything
type PinFilter struct {
	Status  pin.Status
	Backend string
}

// ListPins returns matching pins ordered by priority, then CID
func (m *Manager) ListPins(filter PinFilter) []*pin.Replication {
	m.mu.Lock()
	out := make([]*pin.Replication, 0, len(m.pins))
	for _, p := range m.pins {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.Backend != "" && !p.HasBackend(filter.Backend) {
			continue
		}
		out = append(out, p.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CID < out[j].CID
	})
	return out
}

// PinHistory returns the recorded replication attempts for cid, newest first. It is
// empty when the attempt log is disabled.
func (m *Manager) PinHistory(ctx context.Context, cid string, limit int) ([]AttemptRecord, error) {
	m.mu.Lock()
	_, ok := m.pins[cid]
	m.mu.Unlock()
	if !ok {
		return nil, notFound("pin", cid)
	}

	if m.history == nil {
		return []AttemptRecord{}, nil
	}
	return m.history.ForCID(ctx, cid, limit)
}
