package notify

import (
	"errors"
	"sync"
	"time"
)

// CircuitState is the current mode of a circuit breaker.
type CircuitState string

const (
	// CircuitClosed means deliveries pass through normally
	CircuitClosed CircuitState = "closed"
	// CircuitOpen means deliveries fail immediately
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen means a limited number of probe deliveries test recovery
	CircuitHalfOpen CircuitState = "half_open"
)

var (
	// ErrCircuitOpen is returned while the endpoint is considered down
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyProbes is returned when the half-open probe budget is spent
	ErrTooManyProbes = errors.New("too many probe requests")
)

// CircuitBreakerConfig tunes a circuit breaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the consecutive-failure count that opens the circuit
	MaxFailures uint32
	// Cooldown is how long the circuit stays open before probing again
	Cooldown time.Duration
	// MaxProbes caps concurrent deliveries while half-open
	MaxProbes uint32
}

// Validate checks the configuration is usable.
func (c *CircuitBreakerConfig) Validate() error {
	if c.MaxFailures == 0 {
		return errors.New("MaxFailures must be greater than 0")
	}
	if c.Cooldown <= 0 {
		return errors.New("Cooldown must be greater than 0")
	}
	if c.MaxProbes == 0 {
		return errors.New("MaxProbes must be greater than 0")
	}
	return nil
}

// CircuitBreaker keeps a flaky delivery endpoint from being hammered. After
// MaxFailures consecutive failures it fails fast for Cooldown, then lets a
// bounded number of probes through; one probe success closes it again.
type CircuitBreaker struct {
	config      CircuitBreakerConfig
	state       CircuitState
	failures    uint32
	lastFailure time.Time
	probes      uint32
	mu          sync.Mutex
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
	}, nil
}

// Allow reports whether a delivery may proceed. The first call after the
// cooldown elapses moves the circuit to half-open and is itself admitted
// without consuming a probe slot.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastFailure) > cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.probes = 0
			return nil
		}
		return ErrCircuitOpen

	case CircuitHalfOpen:
		if cb.probes >= cb.config.MaxProbes {
			return ErrTooManyProbes
		}
		cb.probes++
		return nil

	default:
		return nil
	}
}

// RecordSuccess marks the in-flight delivery as succeeded. A success while
// half-open closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// A probe may complete after the state already moved on; the slot is
	// returned regardless so the counter never leaks.
	if cb.probes > 0 {
		cb.probes--
	}

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.state = CircuitClosed
		cb.failures = 0
		cb.probes = 0
	}
}

// RecordFailure marks the in-flight delivery as failed. Reaching MaxFailures
// opens the circuit; any failure while half-open reopens it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.probes > 0 {
		cb.probes--
	}

	cb.lastFailure = time.Now()
	cb.failures++

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.state = CircuitOpen
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.probes = 0
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() uint32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset forces the circuit back to closed with counters cleared.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.probes = 0
}
