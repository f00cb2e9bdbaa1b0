// Package breaker guards storage opening. After FailureThreshold
// consecutive failed opens of one database the circuit opens and further
// attempts fail fast until Timeout has passed; then a limited number of
// trial attempts decide whether it closes again.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebuladb/pkg/config"
	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/logger"
)

// State of a circuit
type State int32

const (
	// StateClosed allows every attempt
	StateClosed State = iota
	// StateOpen rejects every attempt
	StateOpen
	// StateHalfOpen allows a limited number of trial attempts
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const defaultHalfOpenLimit = 1

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	name   string
	cfg    config.BreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu                   sync.Mutex
	state                State
	lastStateChange      time.Time
	nextRetryTime        time.Time
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenInFlight     int
	totalAttempts        int64
	totalFailures        int64
	lastErr              error
}

// Option configures a CircuitBreaker
type Option func(*CircuitBreaker)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// New creates a closed circuit. Zero thresholds fall back to 5 failures
// and 1 success.
func New(name string, cfg config.BreakerConfig, log *zap.Logger, opts ...Option) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	cb := &CircuitBreaker{
		name: name,
		cfg:  cfg,
		logger: logger.OrNop(log).With(
			zap.String("component", "circuit_breaker"),
			zap.String("name", name)),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.lastStateChange = cb.now()
	return cb
}

// Execute runs fn unless the circuit is open. Cancellation errors are
// returned but not counted as failures.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	switch {
	case err == nil:
		cb.recordSuccess()
	case errors.IsCancelled(err):
		cb.release()
	default:
		cb.recordFailure(err)
	}
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Before(cb.nextRetryTime) {
			return errors.New(errors.ErrorTypeStorage, "circuit breaker is open").
				WithDetail("name", cb.name).
				WithDetail("retry_after", cb.nextRetryTime).
				WithDetail("last_error", errString(cb.lastErr))
		}
		cb.transitionLocked(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.halfOpenInFlight >= defaultHalfOpenLimit {
			return errors.New(errors.ErrorTypeStorage, "circuit breaker is probing").
				WithDetail("name", cb.name)
		}
		cb.halfOpenInFlight++
	}
	cb.totalAttempts++
	return nil
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures = 0
	case StateHalfOpen:
		cb.halfOpenInFlight--
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.transitionLocked(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) recordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.lastErr = err
	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.halfOpenInFlight--
		cb.transitionLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	cb.state = to
	cb.lastStateChange = cb.now()
	cb.consecutiveSuccesses = 0
	cb.halfOpenInFlight = 0

	switch to {
	case StateOpen:
		cb.nextRetryTime = cb.lastStateChange.Add(cb.cfg.Timeout)
		cb.logger.Warn("circuit breaker opened",
			zap.Time("retry_after", cb.nextRetryTime),
			zap.Int("consecutive_failures", cb.consecutiveFailures),
			zap.Error(cb.lastErr))
	case StateClosed:
		cb.consecutiveFailures = 0
		cb.logger.Info("circuit breaker closed", zap.String("from", from.String()))
	case StateHalfOpen:
		cb.logger.Info("circuit breaker half-open")
	}
}

// Snapshot describes a circuit for monitoring
type Snapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	LastStateChange     time.Time `json:"last_state_change"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalAttempts       int64     `json:"total_attempts"`
	TotalFailures       int64     `json:"total_failures"`
	NextRetryTime       time.Time `json:"next_retry_time,omitempty"`
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the state and counters
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:                cb.name,
		State:               cb.state.String(),
		LastStateChange:     cb.lastStateChange,
		ConsecutiveFailures: cb.consecutiveFailures,
		TotalAttempts:       cb.totalAttempts,
		TotalFailures:       cb.totalFailures,
		NextRetryTime:       cb.nextRetryTime,
	}
}

// Reset closes the circuit and clears the failure count
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastErr = nil
	cb.transitionLocked(StateClosed)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
