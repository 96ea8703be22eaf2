package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/maxiofs/pinrep/internal/backend"
	"github.com/sirupsen/logrus"
)

// Common errors
var (
	ErrUnsupportedType = errors.New("no adapter registered for backend type")
	ErrMisconfigured   = errors.New("backend is misconfigured")
)

// Result is the outcome a backend reports for one replication request
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Adapter issues replication requests against one backend
type Adapter interface {
	// Replicate asks the backend to hold a copy of cid. A non-nil error means the
	// request could not be completed; a Result with Success=false means the backend
	// answered but refused.
	Replicate(ctx context.Context, cid string) (*Result, error)

	// Health checks that the backend is reachable
	Health(ctx context.Context) error
}

// Factory builds an adapter for a backend configuration
type Factory func(cfg backend.Config) (Adapter, error)

// Options configures the default factories and the breaker wrapping every adapter
type Options struct {
	Timeout          time.Duration
	BreakerFailures  int
	BreakerSuccesses int
	BreakerTimeout   time.Duration
	HTTPClient       *http.Client
}

// Registry maps backend types to adapter factories
type Registry struct {
	mu        sync.RWMutex
	factories map[backend.Type]Factory
	opts      Options
	log       *logrus.Entry
}

// NewRegistry creates an empty registry
func NewRegistry(opts Options) *Registry {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}

	return &Registry{
		factories: make(map[backend.Type]Factory),
		opts:      opts,
		log:       logrus.WithField("component", "adapter"),
	}
}

// Register binds a factory to a backend type, replacing any previous binding
func (r *Registry) Register(t backend.Type, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// RegisterDefaults binds the built-in adapters for every backend type
func (r *Registry) RegisterDefaults() {
	client := r.opts.HTTPClient

	r.Register(backend.TypeLocal, func(cfg backend.Config) (Adapter, error) {
		return NewKuboAdapter(cfg, client)
	})
	r.Register(backend.TypeClustered, func(cfg backend.Config) (Adapter, error) {
		return NewClusterAdapter(cfg, client)
	})
	pinningService := func(cfg backend.Config) (Adapter, error) {
		return NewPinningServiceAdapter(cfg, client)
	}
	r.Register(backend.TypePinningServiceA, pinningService)
	r.Register(backend.TypePinningServiceB, pinningService)
	objectStore := func(cfg backend.Config) (Adapter, error) {
		return NewS3Adapter(cfg, client)
	}
	r.Register(backend.TypeArchival, objectStore)
	r.Register(backend.TypeGenericWebStorage, objectStore)
}

// New builds the adapter for cfg wrapped in its own circuit breaker
func (r *Registry) New(cfg backend.Config) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, cfg.Type)
	}

	a, err := f(cfg)
	if err != nil {
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"backend": cfg.Name,
		"type":    cfg.Type.String(),
	}).Debug("Adapter created")

	if r.opts.BreakerFailures <= 0 {
		return a, nil
	}
	breaker := NewCircuitBreaker(cfg.Name, r.opts.BreakerFailures, r.opts.BreakerSuccesses, r.opts.BreakerTimeout)
	return Guard(a, breaker), nil
}
