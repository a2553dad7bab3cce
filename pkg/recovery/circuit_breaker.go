package recovery

import (
	"fmt"
	"sync"
	"time"

	gwerrors "efio-gateway/pkg/errors"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - normal operation, requests pass through
	StateClosed CircuitState = iota
	// StateOpen - failing, requests blocked immediately
	StateOpen
	// StateHalfOpen - testing recovery, a single probe allowed
	StateHalfOpen
)

// String returns the string representation of the circuit state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker implements the circuit breaker pattern
// Prevents cascading failures by failing fast when a device is unavailable
type CircuitBreaker struct {
	// Configuration
	name        string
	maxFailures int           // Number of failures before opening circuit
	timeout     time.Duration // Time to wait before attempting recovery (half-open)
	isExpected  func(error) bool

	// State
	state           CircuitState
	failures        int
	lastFailureTime time.Time
	lastStateChange time.Time
	probeInFlight   bool

	// Thread safety
	mu sync.RWMutex
}

// CircuitBreakerConfig holds configuration for circuit breaker
type CircuitBreakerConfig struct {
	Name        string
	MaxFailures int           // Default: 5
	Timeout     time.Duration // Default: 30 seconds

	// ExpectedErrors decides which failures count against the breaker.
	// Errors it rejects (configuration mistakes, programming errors)
	// propagate without touching the failure counter. Nil counts all.
	ExpectedErrors func(error) bool
}

// NewCircuitBreaker creates a new circuit breaker with given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	// Set defaults if not specified
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Name == "" {
		config.Name = "breaker"
	}

	return &CircuitBreaker{
		name:            config.Name,
		maxFailures:     config.MaxFailures,
		timeout:         config.Timeout,
		isExpected:      config.ExpectedErrors,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Name returns the breaker's configured name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Call executes the given function if the circuit allows it.
// Returns BreakerOpenError without invoking fn when the circuit is open,
// or in half-open while another caller's probe is still in flight.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn()
	cb.afterCall(err)

	return err
}

// beforeCall checks if the call should be allowed
func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		// First caller past the timeout flips to half-open and probes;
		// everyone else keeps failing fast until the probe resolves.
		if time.Since(cb.lastFailureTime) >= cb.timeout {
			cb.state = StateHalfOpen
			cb.probeInFlight = true
			cb.lastStateChange = time.Now()
			return nil
		}
		return gwerrors.NewBreakerOpenError(cb.name)

	case StateHalfOpen:
		if cb.probeInFlight {
			return gwerrors.NewBreakerOpenError(cb.name)
		}
		cb.probeInFlight = true
		return nil

	default:
		return fmt.Errorf("circuit breaker '%s' in unknown state", cb.name)
	}
}

// afterCall records the result of the call
func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		if cb.isExpected != nil && !cb.isExpected(err) {
			// Not a counted failure kind. The probe slot is released so
			// the next caller can still test recovery.
			cb.probeInFlight = false
			return
		}
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

// onFailure handles a counted failure
func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailureTime = time.Now()
	cb.probeInFlight = false

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			cb.state = StateOpen
			cb.lastStateChange = time.Now()
		}

	case StateHalfOpen:
		// Probe failed - reopen circuit
		cb.state = StateOpen
		cb.lastStateChange = time.Now()
	}
}

// onSuccess handles a successful call. Successes in closed state do not
// decrement the failure counter; only a successful half-open probe resets it.
func (cb *CircuitBreaker) onSuccess() {
	cb.probeInFlight = false

	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		cb.failures = 0
		cb.lastStateChange = time.Now()
	}
}

// RecordFailure counts a failure observed outside Call (manual guarding)
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onFailure()
}

// RecordSuccess records a success observed outside Call (manual guarding)
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onSuccess()
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetFailures returns the current failure count
func (cb *CircuitBreaker) GetFailures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// GetLastFailureTime returns the time of the last failure
func (cb *CircuitBreaker) GetLastFailureTime() time.Time {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.lastFailureTime
}

// IsOpen returns true if circuit is open
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == StateOpen
}

// IsClosed returns true if circuit is closed
func (cb *CircuitBreaker) IsClosed() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == StateClosed
}

// IsHalfOpen returns true if circuit is half-open
func (cb *CircuitBreaker) IsHalfOpen() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == StateHalfOpen
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probeInFlight = false
	cb.lastStateChange = time.Now()
}

// ForceOpen trips the breaker immediately (hardware declared dead)
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateOpen
	cb.lastFailureTime = time.Now()
	cb.lastStateChange = time.Now()
	if cb.failures < cb.maxFailures {
		cb.failures = cb.maxFailures
	}
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerStats{
		Name:                     cb.name,
		State:                    cb.state,
		Failures:                 cb.failures,
		MaxFailures:              cb.maxFailures,
		Timeout:                  cb.timeout,
		LastFailureTime:          cb.lastFailureTime,
		LastStateChange:          cb.lastStateChange,
		TimeSinceLastStateChange: time.Since(cb.lastStateChange),
	}
}

// CircuitBreakerStats holds statistics about the circuit breaker
type CircuitBreakerStats struct {
	Name                     string
	State                    CircuitState
	Failures                 int
	MaxFailures              int
	Timeout                  time.Duration
	LastFailureTime          time.Time
	LastStateChange          time.Time
	TimeSinceLastStateChange time.Duration
}

// BreakerStatus is the compact view embedded in subsystem status documents
type BreakerStatus struct {
	State       string `json:"state"`
	Failures    int    `json:"failures"`
	MaxFailures int    `json:"max_failures"`
}

// Status returns the compact status view
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return BreakerStatus{
		State:       cb.state.String(),
		Failures:    cb.failures,
		MaxFailures: cb.maxFailures,
	}
}

// String returns a string representation of the stats
func (s CircuitBreakerStats) String() string {
	return fmt.Sprintf("%s: State: %s, Failures: %d/%d, Last Failure: %s ago",
		s.Name,
		s.State,
		s.Failures,
		s.MaxFailures,
		time.Since(s.LastFailureTime).Round(time.Second))
}
