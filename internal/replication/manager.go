package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxiofs/pinrep/internal/adapter"
	"github.com/maxiofs/pinrep/internal/backend"
	"github.com/maxiofs/pinrep/internal/metrics"
	"github.com/maxiofs/pinrep/internal/persist"
	"github.com/maxiofs/pinrep/internal/pin"
	"github.com/maxiofs/pinrep/internal/settings"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	defaultBatchSize    = 10
	defaultErrorBackoff = 60 * time.Second
	bytesPerGB          = 1 << 30
)

// AdapterFactory builds the adapter for a backend configuration
type AdapterFactory interface {
	New(cfg backend.Config) (adapter.Adapter, error)
}

// Options configures a Manager
type Options struct {
	Store    persist.Store
	Adapters AdapterFactory
	History  *History        // optional attempt log
	Metrics  metrics.Manager // defaults to a no-op manager

	ExportDir string
	Fs        afero.Fs // export/import files; defaults to the OS filesystem

	BatchSize        int
	ErrorBackoff     time.Duration
	HistoryRetention int // days

	Logger *logrus.Logger
}

// BackendHealth is the outcome of the last health check of a backend
type BackendHealth struct {
	Healthy   bool      `json:"healthy"`
	LatencyMs int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Manager owns the replication settings, the backend registry and the pin ledger. All
// three are guarded by mu; helpers suffixed Locked expect it to be held. Adapter calls
// are never made while mu is held.
type Manager struct {
	mu        sync.Mutex
	settings  settings.Settings
	backends  map[string]*backend.Config
	pins      map[string]*pin.Replication
	nextOrder int64
	adapters  map[string]adapter.Adapter
	health    map[string]BackendHealth

	store     persist.Store
	factory   AdapterFactory
	history   *History
	metrics   metrics.Manager
	exportDir string
	fs        afero.Fs

	batchSize        int
	errorBackoff     time.Duration
	historyRetention int
	now              func() time.Time
	log              *logrus.Entry

	// lifecycleMu serializes StartMonitoring and StopMonitoring; monitor state is
	// guarded by monMu
	lifecycleMu sync.Mutex
	monMu       sync.Mutex
	monCancel   context.CancelFunc
	monDone     chan struct{}
	lastHealth  time.Time
	lastCleanup time.Time
}

// NewManager creates a manager and loads the persisted state
func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("replication: store is required")
	}
	if opts.Adapters == nil {
		return nil, errors.New("replication: adapter factory is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = defaultErrorBackoff
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	m := &Manager{
		settings:         settings.Default(),
		backends:         make(map[string]*backend.Config),
		pins:             make(map[string]*pin.Replication),
		nextOrder:        1,
		adapters:         make(map[string]adapter.Adapter),
		health:           make(map[string]BackendHealth),
		store:            opts.Store,
		factory:          opts.Adapters,
		history:          opts.History,
		metrics:          opts.Metrics,
		exportDir:        opts.ExportDir,
		fs:               opts.Fs,
		batchSize:        opts.BatchSize,
		errorBackoff:     opts.ErrorBackoff,
		historyRetention: opts.HistoryRetention,
		now:              time.Now,
		log:              opts.Logger.WithField("component", "replication"),
	}

	if err := m.load(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// load reads the three documents. Missing documents leave the defaults in place.
func (m *Manager) load(ctx context.Context) error {
	s := settings.Default()
	if err := m.store.Load(ctx, persist.DocSettings, &s); err != nil && !errors.Is(err, persist.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: stored settings are invalid: %v", ErrPersistence, err)
	}
	m.settings = s

	backends := make(map[string]*backend.Config)
	if err := m.store.Load(ctx, persist.DocBackends, &backends); err != nil && !errors.Is(err, persist.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	m.restoreBackends(backends)

	pins := make(map[string]*pin.Replication)
	if err := m.store.Load(ctx, persist.DocPins, &pins); err != nil && !errors.Is(err, persist.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	m.restorePins(pins)

	m.log.WithFields(logrus.Fields{
		"engine":   m.store.Engine(),
		"backends": len(m.backends),
		"pins":     len(m.pins),
	}).Info("Replication state loaded")
	return nil
}

func (m *Manager) restoreBackends(loaded map[string]*backend.Config) {
	names := make([]string, 0, len(loaded))
	for name, cfg := range loaded {
		if cfg == nil {
			continue
		}
		cfg.Name = name
		names = append(names, name)
	}
	// Documents written without an order keep a stable one by name
	sort.Strings(names)

	for _, name := range names {
		cfg := loaded[name]
		if cfg.Order >= m.nextOrder {
			m.nextOrder = cfg.Order + 1
		}
		m.backends[name] = cfg
	}
	for _, name := range names {
		if cfg := m.backends[name]; cfg.Order == 0 {
			cfg.Order = m.nextOrder
			m.nextOrder++
		}
	}
}

func (m *Manager) restorePins(loaded map[string]*pin.Replication) {
	for cid, p := range loaded {
		if p == nil {
			continue
		}
		p.CID = cid
		kept := p.Backends[:0]
		for _, name := range p.Backends {
			if _, ok := m.backends[name]; ok {
				kept = append(kept, name)
				continue
			}
			m.log.WithFields(logrus.Fields{"cid": cid, "backend": name}).Warn("Dropping unknown backend from pin")
		}
		p.Backends = kept
		p.Normalize()
		if p.Status == "" {
			p.Reclassify()
		}
		m.pins[cid] = p
	}
}

// saveLocked persists the named documents. A failed save is logged and counted; the
// in-memory state stays authoritative.
func (m *Manager) saveLocked(ctx context.Context, docs ...persist.Document) error {
	payload := make(map[persist.Document]interface{}, len(docs))
	for _, doc := range docs {
		switch doc {
		case persist.DocSettings:
			payload[doc] = m.settings
		case persist.DocBackends:
			payload[doc] = m.backends
		case persist.DocPins:
			payload[doc] = m.pins
		}
	}

	if err := m.store.SaveAll(context.WithoutCancel(ctx), payload); err != nil {
		for _, doc := range docs {
			m.metrics.RecordPersistenceFailure(string(doc))
		}
		m.log.WithError(err).WithField("documents", docs).Error("Failed to persist replication state")
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// Close releases the store and the history database
func (m *Manager) Close() error {
	m.StopMonitoring()

	var errs []error
	if err := m.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if m.history != nil {
		if err := m.history.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SettingsView is the current policy plus derived counters
type SettingsView struct {
	settings.Settings
	BackendCount        int  `json:"backend_count"`
	EnabledBackendCount int  `json:"enabled_backend_count"`
	PinCount            int  `json:"pin_count"`
	MonitorRunning      bool `json:"monitor_running"`
}

// GetSettings returns the current settings and counters
func (m *Manager) GetSettings() SettingsView {
	running := m.IsMonitoring()

	m.mu.Lock()
	defer m.mu.Unlock()

	enabled := 0
	for _, b := range m.backends {
		if b.Enabled {
			enabled++
		}
	}
	return SettingsView{
		Settings:            m.settings,
		BackendCount:        len(m.backends),
		EnabledBackendCount: enabled,
		PinCount:            len(m.pins),
		MonitorRunning:      running,
	}
}

// UpdateSettings merges u into the current settings. The merged result must satisfy
// min <= target <= max; otherwise nothing changes and ErrValidation is returned.
func (m *Manager) UpdateSettings(ctx context.Context, u settings.Update) (settings.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := m.settings.Apply(u)
	if err != nil {
		return settings.Settings{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	m.settings = next
	_ = m.saveLocked(ctx, persist.DocSettings)

	m.log.WithFields(logrus.Fields{
		"min_replicas":    next.MinReplicas,
		"target_replicas": next.TargetReplicas,
		"max_replicas":    next.MaxReplicas,
		"policy":          next.Policy,
	}).Info("Replication settings updated")

	return next, nil
}

// BackendView is a backend configuration augmented with ledger usage
type BackendView struct {
	backend.Config
	PinsCount      int            `json:"pins_count"`
	TotalSizeBytes int64          `json:"total_size_bytes"`
	LastHealth     *BackendHealth `json:"last_health,omitempty"`
}

// AddBackend registers a new backend
func (m *Manager) AddBackend(ctx context.Context, cfg backend.Config) (backend.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.backends[cfg.Name]; exists {
		return backend.Config{}, fmt.Errorf("%w: backend %q", ErrAlreadyExists, cfg.Name)
	}
	if err := cfg.Validate(); err != nil {
		return backend.Config{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	stored := cfg.Clone()
	now := m.now().UTC()
	stored.Order = m.nextOrder
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.nextOrder++
	m.backends[stored.Name] = &stored
	_ = m.saveLocked(ctx, persist.DocBackends)

	m.log.WithFields(logrus.Fields{
		"backend":  stored.Name,
		"type":     stored.Type.String(),
		"priority": stored.Priority,
		"enabled":  stored.Enabled,
	}).Info("Backend added")

	return stored.Clone(), nil
}

// UpdateBackend merges u into the named backend
func (m *Manager) UpdateBackend(ctx context.Context, name string, u backend.Update) (backend.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.backends[name]
	if !ok {
		return backend.Config{}, notFound("backend", name)
	}

	merged, err := cur.Merge(u)
	if err != nil {
		return backend.Config{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := merged.Validate(); err != nil {
		return backend.Config{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	merged.UpdatedAt = m.now().UTC()

	m.backends[name] = &merged
	delete(m.adapters, name)
	_ = m.saveLocked(ctx, persist.DocBackends)

	m.log.WithField("backend", name).Info("Backend updated")
	return merged.Clone(), nil
}

// RemoveBackend deletes a backend no pin references
func (m *Manager) RemoveBackend(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.backends[name]; !ok {
		return notFound("backend", name)
	}

	refs := 0
	for _, p := range m.pins {
		if p.HasBackend(name) {
			refs++
		}
	}
	if refs > 0 {
		return &ReferenceError{Backend: name, Pins: refs}
	}

	delete(m.backends, name)
	delete(m.adapters, name)
	delete(m.health, name)
	_ = m.saveLocked(ctx, persist.DocBackends)
	m.metrics.RemoveBackend(name)

	m.log.WithField("backend", name).Info("Backend removed")
	return nil
}

// ListBackends returns every backend in registration order with its usage
func (m *Manager) ListBackends() []BackendView {
	m.mu.Lock()
	defer m.mu.Unlock()

	usage := m.usageLocked()
	views := make([]BackendView, 0, len(m.backends))
	for _, cfg := range m.sortedBackendsLocked() {
		views = append(views, m.viewLocked(cfg, usage))
	}
	return views
}

// GetBackend returns one backend with its usage
func (m *Manager) GetBackend(name string) (BackendView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.backends[name]
	if !ok {
		return BackendView{}, notFound("backend", name)
	}
	return m.viewLocked(cfg, m.usageLocked()), nil
}

// CheckBackendHealth checks the named backend and records the outcome
func (m *Manager) CheckBackendHealth(ctx context.Context, name string) (BackendHealth, error) {
	m.mu.Lock()
	cfg, ok := m.backends[name]
	if !ok {
		m.mu.Unlock()
		return BackendHealth{}, notFound("backend", name)
	}
	a, adapterErr := m.adapterLocked(cfg)
	m.mu.Unlock()

	start := m.now()
	err := adapterErr
	if err == nil {
		err = a.Health(ctx)
	}
	latency := m.now().Sub(start)

	h := BackendHealth{
		Healthy:   err == nil,
		LatencyMs: latency.Milliseconds(),
		CheckedAt: m.now().UTC(),
	}
	if err != nil {
		h.Error = err.Error()
		m.log.WithError(err).WithField("backend", name).Warn("Backend health check failed")
	}
	m.metrics.RecordBackendHealth(name, h.Healthy, latency)

	m.mu.Lock()
	if _, still := m.backends[name]; still {
		m.health[name] = h
	}
	m.mu.Unlock()

	return h, nil
}

// adapterLocked returns the cached adapter for cfg, creating it on first use
func (m *Manager) adapterLocked(cfg *backend.Config) (adapter.Adapter, error) {
	if a, ok := m.adapters[cfg.Name]; ok {
		return a, nil
	}
	a, err := m.factory.New(cfg.Clone())
	if err != nil {
		return nil, err
	}
	m.adapters[cfg.Name] = a
	return a, nil
}

type backendUsage struct {
	pins  int
	bytes int64
}

// usageLocked scans the ledger once for per-backend pin counts and sizes
func (m *Manager) usageLocked() map[string]backendUsage {
	usage := make(map[string]backendUsage, len(m.backends))
	for _, p := range m.pins {
		for _, name := range p.Backends {
			u := usage[name]
			u.pins++
			u.bytes += p.SizeBytes
			usage[name] = u
		}
	}
	return usage
}

func (m *Manager) viewLocked(cfg *backend.Config, usage map[string]backendUsage) BackendView {
	v := BackendView{
		Config:         cfg.Redacted(),
		PinsCount:      usage[cfg.Name].pins,
		TotalSizeBytes: usage[cfg.Name].bytes,
	}
	if h, ok := m.health[cfg.Name]; ok {
		v.LastHealth = &h
	}
	return v
}

func (m *Manager) sortedBackendsLocked() []*backend.Config {
	out := make([]*backend.Config, 0, len(m.backends))
	for _, cfg := range m.backends {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return out
}
