package core

import (
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker
type CircuitState string

const (
	// CircuitClosed means requests pass through normally
	CircuitClosed CircuitState = "closed"
	// CircuitOpen means requests fail immediately
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen means a limited number of probe requests are allowed
	CircuitHalfOpen CircuitState = "half_open"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyProbes is returned when the half-open probe budget is spent
	ErrTooManyProbes = errors.New("too many half-open probe requests")
)

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening
	MaxFailures uint32
	// Cooldown is how long to wait before probing again (open -> half-open)
	Cooldown time.Duration
	// MaxProbes is the number of concurrent requests allowed while half-open
	MaxProbes uint32
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures: 3,
		Cooldown:    60 * time.Second,
		MaxProbes:   1,
	}
}

// CircuitBreaker implements the circuit breaker pattern around an unreliable
// downstream, such as a notification endpoint.
type CircuitBreaker struct {
	config       CircuitBreakerConfig
	state        CircuitState
	failures     uint32
	lastFailTime time.Time
	probes       uint32
	mu           sync.Mutex
}

// NewCircuitBreaker creates a circuit breaker in the closed state. Zero
// config fields fall back to defaults.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if config.MaxFailures == 0 {
		config.MaxFailures = def.MaxFailures
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.MaxProbes == 0 {
		config.MaxProbes = def.MaxProbes
	}
	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
	}
}

// Allow checks whether a request may proceed. It returns ErrCircuitOpen while
// the cooldown is running and ErrTooManyProbes when the half-open probe
// budget is spent.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastFailTime) <= cb.config.Cooldown {
			return ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
		cb.probes = 0
		fallthrough
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

// RecordSuccess records a successful request, closing the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = CircuitClosed
}

// RecordFailure records a failed request, opening the circuit once the
// failure budget is exhausted. A failed half-open probe reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailTime = time.Now()

	if cb.state == CircuitHalfOpen || cb.failures >= cb.config.MaxFailures {
		cb.state = CircuitOpen
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
