package replication

import (
	"context"
	"fmt"
	"sort"

	"github.com/maxiofs/pinrep/internal/adapter"
	"github.com/maxiofs/pinrep/internal/backend"
	"github.com/maxiofs/pinrep/internal/persist"
	"github.com/maxiofs/pinrep/internal/pin"
	"github.com/sirupsen/logrus"
)

// Attempt is the outcome of one replication request within a reconciliation pass
type Attempt struct {
	Backend    string `json:"backend"`
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// ReconcileReport describes one reconciliation pass over a pin
type ReconcileReport struct {
	CID      string     `json:"cid"`
	Deficit  int        `json:"deficit"`
	Attempts []Attempt  `json:"attempts"`
	Added    []string   `json:"added"`
	Status   pin.Status `json:"status"`
}

// Failed returns the attempts that did not succeed
func (r *ReconcileReport) Failed() []Attempt {
	var out []Attempt
	for _, a := range r.Attempts {
		if !a.Success {
			out = append(out, a)
		}
	}
	return out
}

type candidate struct {
	cfg     backend.Config
	adapter adapter.Adapter
	err     error
}

// Reconcile closes as much of the pin's replica deficit as the enabled backends allow.
// Candidates are tried strictly in preference order; a failure on one does not stop the
// others. A pin whose every attempt failed is marked failed.
func (m *Manager) Reconcile(ctx context.Context, cid string) (*ReconcileReport, error) {
	m.mu.Lock()
	p, ok := m.pins[cid]
	if !ok {
		m.mu.Unlock()
		return nil, notFound("pin", cid)
	}

	report := &ReconcileReport{CID: cid, Deficit: p.Deficit(), Attempts: []Attempt{}, Added: []string{}}
	if report.Deficit <= 0 {
		if p.Reclassify() {
			_ = m.saveLocked(ctx, persist.DocPins)
		}
		report.Status = p.Status
		m.mu.Unlock()
		return report, nil
	}

	candidates := m.candidatesLocked(p, report.Deficit)
	if len(candidates) == 0 {
		p.Reclassify()
		p.LastChecked = m.now().UTC()
		_ = m.saveLocked(ctx, persist.DocPins)
		report.Status = p.Status
		m.mu.Unlock()

		m.log.WithFields(logrus.Fields{"cid": cid, "deficit": report.Deficit}).Warn("No candidate backends for under-replicated pin")
		return report, nil
	}
	m.mu.Unlock()

	var lastErr string
	for _, c := range candidates {
		attempt := m.attempt(ctx, cid, c, TriggerReconcile)
		report.Attempts = append(report.Attempts, attempt)

		if !attempt.Success {
			lastErr = fmt.Sprintf("%s: %s", c.cfg.Name, attempt.Error)
			continue
		}

		m.mu.Lock()
		if _, exists := m.backends[c.cfg.Name]; exists {
			p.AddBackend(c.cfg.Name)
			p.LastChecked = m.now().UTC()
			report.Added = append(report.Added, c.cfg.Name)
			_ = m.saveLocked(ctx, persist.DocPins)
		}
		m.mu.Unlock()
	}

	failed := len(report.Failed())

	m.mu.Lock()
	switch {
	case failed == len(report.Attempts):
		p.Status = pin.StatusFailed
		p.LastError = lastErr
	case failed == 0:
		// Successful attempts on backends removed meanwhile leave the deficit open
		p.Reclassify()
		p.LastError = ""
	default:
		p.Reclassify()
		p.LastError = lastErr
	}
	p.LastChecked = m.now().UTC()
	report.Status = p.Status
	_ = m.saveLocked(ctx, persist.DocPins)
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"cid":      cid,
		"attempts": len(report.Attempts),
		"added":    len(report.Added),
		"status":   report.Status,
	}).Info("Pin reconciled")

	return report, nil
}

// ReplicatePinToBackend asks one specific backend to hold cid, bypassing candidate selection
func (m *Manager) ReplicatePinToBackend(ctx context.Context, cid, name string) (*Attempt, error) {
	m.mu.Lock()
	p, ok := m.pins[cid]
	if !ok {
		m.mu.Unlock()
		return nil, notFound("pin", cid)
	}
	cfg, ok := m.backends[name]
	if !ok {
		m.mu.Unlock()
		return nil, notFound("backend", name)
	}
	if !cfg.Enabled {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDisabled, name)
	}
	a, err := m.adapterLocked(cfg)
	c := candidate{cfg: cfg.Clone(), adapter: a, err: err}
	m.mu.Unlock()

	attempt := m.attempt(ctx, cid, c, TriggerExplicit)
	if !attempt.Success {
		m.mu.Lock()
		p.LastError = fmt.Sprintf("%s: %s", name, attempt.Error)
		_ = m.saveLocked(ctx, persist.DocPins)
		m.mu.Unlock()
		return &attempt, fmt.Errorf("%w: %s: %s", ErrAdapter, name, attempt.Error)
	}

	m.mu.Lock()
	if _, exists := m.backends[name]; exists {
		p.AddBackend(name)
	}
	p.LastChecked = m.now().UTC()
	p.LastError = ""
	p.Reclassify()
	_ = m.saveLocked(ctx, persist.DocPins)
	m.mu.Unlock()

	return &attempt, nil
}

// candidatesLocked picks up to limit enabled backends the pin is not on yet, most
// preferred first, and resolves their adapters
func (m *Manager) candidatesLocked(p *pin.Replication, limit int) []candidate {
	usage := m.usageLocked()
	costAware := m.settings.EnableCostOptimization

	var eligible []*backend.Config
	for _, cfg := range m.backends {
		if !cfg.Enabled || p.HasBackend(cfg.Name) {
			continue
		}
		if cfg.MaxStorageGB > 0 {
			capacity := int64(cfg.MaxStorageGB * bytesPerGB)
			if usage[cfg.Name].bytes+p.SizeBytes > capacity {
				m.log.WithFields(logrus.Fields{"cid": p.CID, "backend": cfg.Name}).Debug("Skipping backend at capacity")
				continue
			}
		}
		eligible = append(eligible, cfg)
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if costAware && a.Cost() != b.Cost() {
			return a.Cost() < b.Cost()
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.Name < b.Name
	})

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]candidate, 0, len(eligible))
	for _, cfg := range eligible {
		a, err := m.adapterLocked(cfg)
		out = append(out, candidate{cfg: cfg.Clone(), adapter: a, err: err})
	}
	return out
}

// attempt performs one adapter call without holding the lock and records the outcome
func (m *Manager) attempt(ctx context.Context, cid string, c candidate, trigger string) Attempt {
	start := m.now()
	att := Attempt{Backend: c.cfg.Name}

	err := c.err
	var res *adapter.Result
	if err == nil {
		res, err = m.callAdapter(ctx, c.adapter, cid)
	}
	elapsed := m.now().Sub(start)
	att.DurationMs = elapsed.Milliseconds()

	switch {
	case err != nil:
		att.Error = err.Error()
	case res == nil:
		att.Error = "backend returned no result"
	case !res.Success:
		att.Message = res.Message
		att.Error = "backend refused: " + res.Message
	default:
		att.Success = true
		att.Message = res.Message
	}

	m.metrics.RecordReplicationAttempt(c.cfg.Name, att.Success, elapsed)

	entry := m.log.WithFields(logrus.Fields{
		"cid":         cid,
		"backend":     c.cfg.Name,
		"duration_ms": att.DurationMs,
	})
	if att.Success {
		entry.Debug("Replication request succeeded")
	} else {
		entry.WithField("error", att.Error).Warn("Replication request failed")
	}

	if m.history != nil {
		rec := &AttemptRecord{
			CID:         cid,
			Backend:     c.cfg.Name,
			Trigger:     trigger,
			Success:     att.Success,
			Message:     att.Message,
			Error:       att.Error,
			DurationMs:  att.DurationMs,
			AttemptedAt: start.UTC(),
		}
		if err := m.history.Record(context.WithoutCancel(ctx), rec); err != nil {
			m.log.WithError(err).Warn("Failed to record replication attempt")
		}
	}

	return att
}

// callAdapter converts a panicking adapter into an error
func (m *Manager) callAdapter(ctx context.Context, a adapter.Adapter, cid string) (res *adapter.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()
	return a.Replicate(ctx, cid)
}
