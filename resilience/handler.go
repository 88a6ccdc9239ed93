package resilience

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agentops/agent-monitor/rules"
	"github.com/agentops/agent-monitor/slogger"
)

// Resource classes protected by the handler.
const (
	ResourceDatastore    = "datastore"
	ResourceNotification = "notification"
)

// Error kinds used for classification and alerting. The classification does
// not gate the retry loop, which is already bounded by attempt count; it
// drives logging and error-rate alerting.
const (
	ErrorKindTransient = "transient"
	ErrorKindPermanent = "permanent"
)

// Health states reported per resource class.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

const (
	errorWindow        = 5 * time.Minute
	keyWarnThreshold   = 10
	unhealthyAggregate = 20
)

var transientMarkers = []string{
	"timeout", "timed out", "connection", "network", "unavailable",
	"temporarily", "refused", "reset by peer", "too many requests",
}

var permanentMarkers = []string{
	"unauthorized", "forbidden", "invalid", "validation", "rejected",
	"bad request", "not allowed", "malformed",
}

// Classify buckets an error into transient or permanent based on its message.
// Unrecognized errors are treated as transient.
func Classify(err error) string {
	if err == nil {
		return ErrorKindTransient
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return ErrorKindPermanent
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return ErrorKindTransient
		}
	}
	return ErrorKindTransient
}

// AlertFunc is invoked when a registered alert rule matches.
type AlertFunc func(name string, env map[string]interface{})

type alertRule struct {
	name      string
	condition string
	fn        AlertFunc
}

// ErrorHandler composes one circuit breaker per resource class with a shared
// retry executor, and keeps a sliding window of recent errors for alerting
// and health checks. The breaker wraps the retry loop, so a tripped breaker
// short-circuits all retries for that call.
type ErrorHandler struct {
	datastoreBreaker    *CircuitBreaker
	notificationBreaker *CircuitBreaker
	retry               *RetryExecutor
	evaluator           rules.Evaluator
	logger              slogger.Logger

	mu     sync.Mutex
	window map[string][]time.Time // "(context|kind)" -> error timestamps
	alerts []alertRule
}

// ErrorHandlerOption configures an ErrorHandler.
type ErrorHandlerOption func(*ErrorHandler)

// WithRetryConfig replaces the shared retry configuration.
func WithRetryConfig(cfg RetryConfig) ErrorHandlerOption {
	return func(h *ErrorHandler) {
		h.retry = NewRetryExecutor(cfg, h.logger)
	}
}

// WithEvaluator sets the expression evaluator used for alert rules.
func WithEvaluator(evaluator rules.Evaluator) ErrorHandlerOption {
	return func(h *ErrorHandler) {
		h.evaluator = evaluator
	}
}

// NewErrorHandler creates an ErrorHandler with the per-class breaker
// defaults: the datastore breaker is lenient (threshold 5, reset 30s), the
// notification breaker strict (threshold 3, reset 60s).
func NewErrorHandler(logger slogger.Logger, options ...ErrorHandlerOption) *ErrorHandler {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	h := &ErrorHandler{
		datastoreBreaker: NewCircuitBreaker(BreakerConfig{
			Name:              ResourceDatastore,
			FailureThreshold:  5,
			ResetTimeout:      30 * time.Second,
			HalfOpenSuccesses: 3,
		}, logger),
		notificationBreaker: NewCircuitBreaker(BreakerConfig{
			Name:              ResourceNotification,
			FailureThreshold:  3,
			ResetTimeout:      60 * time.Second,
			HalfOpenSuccesses: 3,
		}, logger),
		retry:     NewRetryExecutor(DefaultRetryConfig(), logger),
		evaluator: rules.NewExprEvaluator(),
		logger:    logger,
		window:    make(map[string][]time.Time),
	}
	for _, option := range options {
		option(h)
	}
	return h
}

// DatastoreBreaker exposes the datastore breaker for state-change hooks.
func (h *ErrorHandler) DatastoreBreaker() *CircuitBreaker { return h.datastoreBreaker }

// NotificationBreaker exposes the notification breaker for state-change hooks.
func (h *ErrorHandler) NotificationBreaker() *CircuitBreaker { return h.notificationBreaker }

// ExecuteDatabaseOperation runs op against the datastore resource class.
func (h *ErrorHandler) ExecuteDatabaseOperation(ctx context.Context, opName string, op Operation) error {
	return h.execute(ctx, ResourceDatastore, h.datastoreBreaker, opName, op)
}

// ExecuteNotificationOperation runs op against the notification resource class.
func (h *ErrorHandler) ExecuteNotificationOperation(ctx context.Context, opName string, op Operation) error {
	return h.execute(ctx, ResourceNotification, h.notificationBreaker, opName, op)
}

func (h *ErrorHandler) execute(ctx context.Context, resource string, breaker *CircuitBreaker, opName string, op Operation) error {
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		return h.retry.Run(ctx, opName, op)
	})
	if err != nil {
		h.recordError(resource, opName, err)
	}
	return err
}

// RegisterAlertRule registers an expression evaluated after every recorded
// error against a map with keys "resource", "context", "kind", "count" and
// "total_recent". When it evaluates true, fn is invoked.
func (h *ErrorHandler) RegisterAlertRule(name, condition string, fn AlertFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, alertRule{name: name, condition: condition, fn: fn})
}

func (h *ErrorHandler) recordError(resource, opName string, err error) {
	kind := Classify(err)
	switch kind {
	case ErrorKindPermanent:
		h.logger.Error("non-retryable operation failure",
			"resource", resource, "operation", opName, "error", err)
	default:
		h.logger.Warn("operation failed after resilience policy",
			"resource", resource, "operation", opName, "error", err)
	}

	now := time.Now()
	key := opName + "|" + kind

	h.mu.Lock()
	h.window[key] = append(h.prune(h.window[key], now), now)
	count := len(h.window[key])
	total := 0
	for _, times := range h.window {
		total += len(h.prune(times, now))
	}
	alerts := make([]alertRule, len(h.alerts))
	copy(alerts, h.alerts)
	h.mu.Unlock()

	if count > keyWarnThreshold {
		h.logger.Warn("elevated error rate",
			"resource", resource, "operation", opName, "kind", kind,
			"count", count, "window", errorWindow)
	}

	env := map[string]interface{}{
		"resource":     resource,
		"context":      opName,
		"kind":         kind,
		"count":        count,
		"total_recent": total,
	}
	for _, rule := range alerts {
		h.fireAlert(rule, env)
	}
}

func (h *ErrorHandler) fireAlert(rule alertRule, env map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("alert callback panicked", "alert", rule.name, "panic", r)
		}
	}()

	match, err := h.evaluator.Evaluate(rule.condition, env)
	if err != nil {
		h.logger.Error("alert rule evaluation failed", "alert", rule.name, "error", err)
		return
	}
	if match {
		rule.fn(rule.name, env)
	}
}

// prune drops timestamps older than the sliding window.
func (h *ErrorHandler) prune(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-errorWindow)
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// Health reports the current health of each resource class: unhealthy when
// the breaker is open or recent errors exceed the aggregate limit, degraded
// while the breaker is recovering or any error key runs hot.
func (h *ErrorHandler) Health() map[string]string {
	now := time.Now()

	h.mu.Lock()
	total := 0
	hotKey := false
	for key, times := range h.window {
		pruned := h.prune(times, now)
		h.window[key] = pruned
		total += len(pruned)
		if len(pruned) > keyWarnThreshold {
			hotKey = true
		}
	}
	h.mu.Unlock()

	out := make(map[string]string, 2)
	for resource, breaker := range map[string]*CircuitBreaker{
		ResourceDatastore:    h.datastoreBreaker,
		ResourceNotification: h.notificationBreaker,
	} {
		state := breaker.State()
		switch {
		case state == StateOpen || total > unhealthyAggregate:
			out[resource] = HealthUnhealthy
		case state == StateHalfOpen || hotKey:
			out[resource] = HealthDegraded
		default:
			out[resource] = HealthHealthy
		}
	}
	return out
}
