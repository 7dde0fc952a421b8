package connection

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// ExponentialBackoff implements exponential backoff with jitter for redial attempts
type ExponentialBackoff struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	attemptCount int
}

// NewExponentialBackoff creates a backoff starting at base and capped at max
func NewExponentialBackoff(base, max time.Duration) *ExponentialBackoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &ExponentialBackoff{
		BaseDelay:  base,
		MaxDelay:   max,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// NextDelay returns the delay before the next attempt and advances the attempt count
func (eb *ExponentialBackoff) NextDelay() time.Duration {
	delay := time.Duration(float64(eb.BaseDelay) * math.Pow(eb.Multiplier, float64(eb.attemptCount)))
	if delay > eb.MaxDelay || delay <= 0 {
		delay = eb.MaxDelay
	}

	if eb.Jitter {
		jitterRange := float64(delay) * 0.1 // ±10%
		delay += time.Duration((rand.Float64()*2 - 1) * jitterRange)
	}

	if delay < eb.BaseDelay {
		delay = eb.BaseDelay
	}

	eb.attemptCount++
	return delay
}

func (eb *ExponentialBackoff) Reset() {
	eb.attemptCount = 0
}

func (eb *ExponentialBackoff) AttemptCount() int {
	return eb.attemptCount
}

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	CircuitClosed CircuitBreakerState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (state CircuitBreakerState) String() string {
	switch state {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops redialing an endpoint that keeps failing
type CircuitBreaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	failureCount int
	lastFailTime time.Time
	state        CircuitBreakerState
}

func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
	}
}

// AllowRequest determines if an attempt should be made
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailTime) > cb.resetTimeout {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.state = CircuitClosed
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailTime = time.Now()
	if cb.failureCount >= cb.maxFailures || cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"state":        cb.state.String(),
		"failureCount": cb.failureCount,
		"maxFailures":  cb.maxFailures,
		"lastFailTime": cb.lastFailTime,
		"resetTimeout": cb.resetTimeout.String(),
	}
}

// CircuitBreakerError is returned when a circuit breaker blocks an attempt
type CircuitBreakerError struct {
	State        CircuitBreakerState
	FailureCount int
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case CircuitOpen:
		return fmt.Sprintf("circuit breaker is open after %d failures", e.FailureCount)
	case CircuitHalfOpen:
		return "circuit breaker is half-open - testing recovery"
	default:
		return "circuit breaker blocked request"
	}
}

func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}

// ErrRetriesExhausted is returned once the retry budget is spent.
var ErrRetriesExhausted = errors.New("retry attempts exhausted")

// RetryPolicy combines exponential backoff with a circuit breaker.
type RetryPolicy struct {
	mu             sync.Mutex
	backoff        *ExponentialBackoff
	circuitBreaker *CircuitBreaker
	maxRetries     int
}

func NewRetryPolicy(maxRetries int, backoff *ExponentialBackoff, breaker *CircuitBreaker) *RetryPolicy {
	if backoff == nil {
		backoff = NewExponentialBackoff(time.Second, 30*time.Second)
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(5, time.Minute)
	}
	return &RetryPolicy{
		backoff:        backoff,
		circuitBreaker: breaker,
		maxRetries:     maxRetries,
	}
}

// Failure records a failed attempt and returns the delay before the next
// one, or an error when no further attempt should be made.
func (rp *RetryPolicy) Failure() (time.Duration, error) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	rp.circuitBreaker.RecordFailure()
	if rp.maxRetries > 0 && rp.backoff.AttemptCount() >= rp.maxRetries {
		return 0, fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, rp.backoff.AttemptCount())
	}
	if !rp.circuitBreaker.AllowRequest() {
		return 0, &CircuitBreakerError{State: rp.circuitBreaker.State(), FailureCount: rp.failures()}
	}
	return rp.backoff.NextDelay(), nil
}

func (rp *RetryPolicy) failures() int {
	rp.circuitBreaker.mu.Lock()
	defer rp.circuitBreaker.mu.Unlock()
	return rp.circuitBreaker.failureCount
}

// Success resets the policy after a successful attempt.
func (rp *RetryPolicy) Success() {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.backoff.Reset()
	rp.circuitBreaker.RecordSuccess()
}

func (rp *RetryPolicy) Reset() {
	rp.Success()
}

func (rp *RetryPolicy) Stats() map[string]interface{} {
	rp.mu.Lock()
	attempts := rp.backoff.AttemptCount()
	rp.mu.Unlock()
	return map[string]interface{}{
		"maxRetries":     rp.maxRetries,
		"attemptCount":   attempts,
		"circuitBreaker": rp.circuitBreaker.Stats(),
	}
}
