package clients

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int32

const (
	// StateClosed allows all requests to pass through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows a limited number of requests to test if the service has recovered
	StateHalfOpen
)

// CircuitBreakerConfig is the configuration for circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold int           // Consecutive failures before opening
	SuccessThreshold int           // Consecutive successes before closing
	Timeout          time.Duration // Open duration before probing half-open
}

// CircuitBreaker implements the circuit breaker pattern for provider
// requests to stop hammering an endpoint that is failing hard.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger *zap.Logger

	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time

	mu sync.Mutex
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		config: config,
		logger: logger.With(zap.String("component", "circuit_breaker")),
		state:  StateClosed,
	}
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.consecutiveSuccesses = 0
			cb.logger.Info("circuit breaker half-open")
			return true
		}
		return false
	case StateHalfOpen:
		return true
	}
	return true
}

// RecordSuccess notes a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state == StateHalfOpen {
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.logger.Info("circuit breaker closed")
		}
	}
}

// RecordFailure notes a failed request, opening the circuit at the
// failure threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveSuccesses = 0
	cb.consecutiveFailures++

	if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.config.FailureThreshold {
		if cb.state != StateOpen {
			cb.logger.Warn("circuit breaker open",
				zap.Int("consecutive_failures", cb.consecutiveFailures))
		}
		cb.state = StateOpen
		cb.openedAt = time.Now()
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
