package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/agentops/agent-monitor/slogger"
)

// RetryConfig configures a RetryExecutor. MaxElapsed, when non-zero, bounds
// the total wall-clock time spent across all attempts; the default bound is
// attempt count only.
type RetryConfig struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	JitterFactor    float64
	MaxElapsed      time.Duration
}

// DefaultRetryConfig returns the retry configuration shared by both resource
// classes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
		JitterFactor:    0.1,
	}
}

// RetryExecutor retries a failing operation with exponential backoff and
// jitter.
type RetryExecutor struct {
	cfg    RetryConfig
	logger slogger.Logger
}

// NewRetryExecutor creates a RetryExecutor with the given configuration.
func NewRetryExecutor(cfg RetryConfig, logger slogger.Logger) *RetryExecutor {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.ExponentialBase <= 1 {
		cfg.ExponentialBase = 2.0
	}
	if cfg.JitterFactor < 0 {
		cfg.JitterFactor = 0
	}
	return &RetryExecutor{cfg: cfg, logger: logger}
}

// Run invokes op up to MaxRetries+1 times and returns the first success. On
// exhaustion the last error is propagated, annotated with opName and the
// attempt count.
func (r *RetryExecutor) Run(ctx context.Context, opName string, op Operation) error {
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.delay(attempt)
			if r.cfg.MaxElapsed > 0 && time.Since(start)+delay > r.cfg.MaxElapsed {
				return fmt.Errorf("%s: retry budget %s exhausted after %d attempts: %w",
					opName, r.cfg.MaxElapsed, attempt, lastErr)
			}
			r.logger.Debug("retrying operation",
				"operation", opName,
				"attempt", attempt,
				"delay", delay,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := op(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return fmt.Errorf("%s failed after %d attempts: %w", opName, r.cfg.MaxRetries+1, lastErr)
}

// delay computes the backoff before the given retry attempt (1-based).
func (r *RetryExecutor) delay(attempt int) time.Duration {
	backoff := float64(r.cfg.BaseDelay) * math.Pow(r.cfg.ExponentialBase, float64(attempt-1))
	backoff *= 1 + r.cfg.JitterFactor*rand.Float64()
	if backoff > float64(r.cfg.MaxDelay) {
		backoff = float64(r.cfg.MaxDelay)
	}
	return time.Duration(backoff)
}
