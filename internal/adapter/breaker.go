package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// BreakerState represents the state of a circuit breaker
type BreakerState int

const (
	// StateClosed means requests are allowed
	StateClosed BreakerState = iota
	// StateOpen means requests are blocked
	StateOpen
	// StateHalfOpen means we're testing if the backend recovered
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling a backend after repeated failures
type CircuitBreaker struct {
	failureThreshold int
	successThreshold int
	timeout          time.Duration

	state           BreakerState
	failures        int
	successes       int
	lastFailureTime time.Time
	now             func() time.Time

	mu  sync.Mutex
	log *logrus.Entry
}

// NewCircuitBreaker creates a new circuit breaker
// failureThreshold: consecutive failures before opening
// successThreshold: half-open successes needed to close
// timeout: time spent open before a trial request is let through
func NewCircuitBreaker(backendName string, failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	if successThreshold <= 0 {
		successThreshold = 1
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		state:            StateClosed,
		now:              time.Now,
		log:              logrus.WithFields(logrus.Fields{"component": "circuit_breaker", "backend": backendName}),
	}
}

// Call executes fn with circuit breaker protection
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allowRequest() {
		cb.log.Debug("Circuit breaker blocked request")
		return ErrCircuitOpen
	}

	if err := fn(); err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) > cb.timeout {
			cb.log.Info("Circuit breaker transitioning from open to half-open")
			cb.state = StateHalfOpen
			cb.successes = 0
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.failureThreshold {
			cb.log.WithField("failures", cb.failures).Warn("Circuit breaker opening due to failures")
			cb.state = StateOpen
			cb.failures = 0
		}
	case StateHalfOpen:
		cb.log.Warn("Circuit breaker reopening from half-open after failure")
		cb.state = StateOpen
		cb.failures = 0
		cb.successes = 0
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.log.WithField("successes", cb.successes).Info("Circuit breaker closing after successful recovery")
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset puts the breaker back in the closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
}

// guarded routes every adapter call through a breaker
type guarded struct {
	inner   Adapter
	breaker *CircuitBreaker
}

// Guard wraps a so that repeated failures open breaker. Refusals (Success=false)
// count as failures.
func Guard(a Adapter, breaker *CircuitBreaker) Adapter {
	return &guarded{inner: a, breaker: breaker}
}

func (g *guarded) Replicate(ctx context.Context, cid string) (*Result, error) {
	var res *Result
	err := g.breaker.Call(func() error {
		var err error
		res, err = g.inner.Replicate(ctx, cid)
		if err != nil {
			return err
		}
		if res == nil || !res.Success {
			return errRefused
		}
		return nil
	})
	if errors.Is(err, errRefused) {
		return res, nil
	}
	if errors.Is(err, ErrCircuitOpen) {
		return nil, fmt.Errorf("replicate %s: %w", cid, err)
	}
	return res, err
}

func (g *guarded) Health(ctx context.Context) error {
	return g.breaker.Call(func() error {
		return g.inner.Health(ctx)
	})
}

var errRefused = errors.New("backend refused request")
