package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentops/agent-monitor/slogger"
)

// ErrCircuitOpen is returned when the breaker fast-fails without invoking the
// operation.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Operation is any fallible call protected by the resilience layer.
type Operation func(ctx context.Context) error

// BreakerConfig configures a CircuitBreaker for one resource class.
type BreakerConfig struct {
	Name              string
	FailureThreshold  int
	ResetTimeout      time.Duration
	HalfOpenSuccesses int
}

// DefaultBreakerConfig returns a breaker configuration with moderate limits.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:              name,
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenSuccesses: 3,
	}
}

// BreakerSnapshot is a point-in-time view of breaker state for health checks.
type BreakerSnapshot struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	HalfOpenSuccess int       `json:"half_open_success_count"`
}

// CircuitBreaker guards one failing dependency. Transitions: closed→open once
// FailureThreshold consecutive failures accumulate, open→half_open after
// ResetTimeout, half_open→closed after HalfOpenSuccesses successes, and
// half_open→open on any failure.
type CircuitBreaker struct {
	cfg    BreakerConfig
	logger slogger.Logger

	mu              sync.Mutex
	state           string
	failureCount    int
	lastFailure     time.Time
	halfOpenSuccess int
	onStateChange   func(name, from, to string)
}

// NewCircuitBreaker creates a closed breaker with the given configuration.
func NewCircuitBreaker(cfg BreakerConfig, logger slogger.Logger) *CircuitBreaker {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 3
	}
	return &CircuitBreaker{
		cfg:    cfg,
		logger: logger,
		state:  StateClosed,
	}
}

// OnStateChange registers a hook invoked after every state transition.
func (cb *CircuitBreaker) OnStateChange(fn func(name, from, to string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs op under the breaker. When the breaker is open and the reset
// timeout has not elapsed, op is never invoked and ErrCircuitOpen is returned.
// When the timeout has elapsed, the breaker moves to half_open and the call is
// attempted regardless of outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) error {
	if err := cb.allow(); err != nil {
		return err
	}

	if err := op(ctx); err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a point-in-time view of the breaker counters.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		Name:            cb.cfg.Name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		LastFailureTime: cb.lastFailure,
		HalfOpenSuccess: cb.halfOpenSuccess,
	}
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if time.Since(cb.lastFailure) < cb.cfg.ResetTimeout {
		return ErrCircuitOpen
	}
	cb.setState(StateHalfOpen)
	cb.halfOpenSuccess = 0
	return nil
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	if cb.state == StateHalfOpen {
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.cfg.HalfOpenSuccesses {
			cb.setState(StateClosed)
			cb.halfOpenSuccess = 0
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.setState(StateOpen)
	case StateClosed:
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.setState(StateOpen)
		}
	}
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(next string) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.logger.Warn("circuit breaker state changed",
		"breaker", cb.cfg.Name,
		"from", prev,
		"to", next,
		"failure_count", cb.failureCount,
	)
	if cb.onStateChange != nil {
		go cb.onStateChange(cb.cfg.Name, prev, next)
	}
}
