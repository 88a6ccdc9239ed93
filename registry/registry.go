// Package registry tracks one execution record per initiated unit of
// cross-agent work, keyed by correlation ID, together with the append-only
// callback audit log. In-memory state is authoritative; every change is
// mirrored to storage through the resilience layer on a best-effort basis.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"

	"github.com/agentops/agent-monitor/events"
	"github.com/agentops/agent-monitor/resilience"
	"github.com/agentops/agent-monitor/slogger"
	"github.com/agentops/agent-monitor/storage"
	"github.com/agentops/agent-monitor/types"
)

// Standard error definitions
var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrEmptyCorrelation  = errors.New("correlation ID cannot be empty")
)

// DefaultRetention is how long terminal executions are kept before Cleanup
// removes them.
const DefaultRetention = 72 * time.Hour

// Stats summarizes executions within a trailing window.
type Stats struct {
	TotalExecutions     int     `json:"total_executions"`
	Completed           int     `json:"completed"`
	Failed              int     `json:"failed"`
	Cancelled           int     `json:"cancelled"`
	Active              int     `json:"active"`
	CallbackSuccessRate float64 `json:"callback_success_rate"`
	AvgDurationMs       float64 `json:"avg_duration_ms"`
}

// Registry is the workflow execution registry.
type Registry struct {
	generate generator.Generator
	store    storage.Storage
	res      *resilience.ErrorHandler
	bus      *events.EventBus
	logger   slogger.Logger

	mu         sync.RWMutex
	executions map[string]types.WorkflowExecution
	callbacks  map[string][]types.CallbackEvent
}

// New creates a Registry. The generator assigns sequence numbers to callback
// log entries and is required; a nil store falls back to in-memory storage.
func New(generate generator.Generator, store storage.Storage, res *resilience.ErrorHandler, bus *events.EventBus, logger slogger.Logger) (*Registry, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	if res == nil {
		res = resilience.NewErrorHandler(logger)
	}
	if bus == nil {
		bus = events.NewEventBus()
	}
	return &Registry{
		generate:   generate,
		store:      store,
		res:        res,
		bus:        bus,
		logger:     logger,
		executions: make(map[string]types.WorkflowExecution),
		callbacks:  make(map[string][]types.CallbackEvent),
	}, nil
}

// TrackInitiated registers a newly initiated execution. Re-invoking with a
// correlation ID that is already tracked is a warning no-op, so duplicate
// initiation events cannot reset an advanced record.
func (r *Registry) TrackInitiated(ctx context.Context, exec types.WorkflowExecution) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if exec.CorrelationID == "" {
		return ErrEmptyCorrelation
	}

	r.mu.Lock()
	if _, ok := r.executions[exec.CorrelationID]; ok {
		r.mu.Unlock()
		r.logger.Warn("duplicate initiation ignored", "correlation_id", exec.CorrelationID)
		return nil
	}

	now := time.Now().UnixMilli()
	if exec.SpanID == "" {
		exec.SpanID = uuid.NewString()
	}
	if exec.StartedAt == 0 {
		exec.StartedAt = now
	}
	exec.Status = types.ExecutionInitiated
	exec.UpdatedAt = now
	exec.CompletedAt = 0
	exec.DurationMs = 0
	exec.CallbackReceived = false
	exec.CallbackTimestamp = 0

	r.executions[exec.CorrelationID] = exec
	r.mu.Unlock()

	r.persistExecution(ctx, exec)
	r.publishExecution(ctx, exec)
	return nil
}

// UpdateStatus applies a status change and optional patch to an execution.
// An unknown correlation ID is a warning no-op. A terminal status is sticky:
// later updates still merge patch data and advance UpdatedAt, but cannot
// change the status.
func (r *Registry) UpdateStatus(ctx context.Context, correlationID, status string, patch map[string]interface{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	r.mu.Lock()
	exec, ok := r.executions[correlationID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("status update for unknown execution", "correlation_id", correlationID, "status", status)
		return nil
	}

	applyPatch(&exec, patch)
	r.applyStatus(&exec, status)
	r.executions[correlationID] = exec
	r.mu.Unlock()

	r.persistExecution(ctx, exec)
	r.publishExecution(ctx, exec)
	return nil
}

// RecordCallback appends the event to the audit log for its correlation ID
// and, when a matching execution exists, marks callback receipt and maps the
// reported execution status onto the registry vocabulary. Callbacks for
// unknown correlation IDs are retained in the log with a warning.
func (r *Registry) RecordCallback(ctx context.Context, event types.CallbackEvent) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if event.CorrelationID == "" {
		return ErrEmptyCorrelation
	}
	if event.ReceivedAt == 0 {
		event.ReceivedAt = time.Now().UnixMilli()
	}
	if seq, err := r.generate.NextID(); err != nil {
		r.logger.Warn("failed to assign callback sequence", "correlation_id", event.CorrelationID, "error", err)
	} else {
		event.Seq = seq
	}

	r.mu.Lock()
	r.callbacks[event.CorrelationID] = append(r.callbacks[event.CorrelationID], event)

	exec, ok := r.executions[event.CorrelationID]
	if ok {
		exec.CallbackReceived = true
		exec.CallbackTimestamp = event.ReceivedAt
		if exec.WorkflowID == "" && event.WorkflowID != "" {
			exec.WorkflowID = event.WorkflowID
		}
		r.applyStatus(&exec, mapCallbackStatus(event.ExecutionStatus))
		r.executions[event.CorrelationID] = exec
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("callback for unknown execution retained in audit log",
			"correlation_id", event.CorrelationID, "agent_id", event.AgentID)
	}

	r.persistCallback(ctx, event)
	if ok {
		r.persistExecution(ctx, exec)
	}

	r.publish(ctx, events.Event{
		Type:          events.EventCallbackReceived,
		WorkflowID:    event.WorkflowID,
		CorrelationID: event.CorrelationID,
		AgentID:       event.AgentID,
		Data: map[string]interface{}{
			"execution_status": event.ExecutionStatus,
			"seq":              event.Seq,
		},
	})
	if ok {
		r.publishExecution(ctx, exec)
	}
	return nil
}

// GetExecution retrieves an execution record by correlation ID.
func (r *Registry) GetExecution(ctx context.Context, correlationID string) (types.WorkflowExecution, error) {
	select {
	case <-ctx.Done():
		return types.WorkflowExecution{}, ctx.Err()
	default:
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executions[correlationID]
	if !ok {
		return types.WorkflowExecution{}, fmt.Errorf("%w: id=%s", ErrExecutionNotFound, correlationID)
	}
	return exec, nil
}

// GetCallbacks retrieves the callback log for a correlation ID, in arrival order.
func (r *Registry) GetCallbacks(ctx context.Context, correlationID string) ([]types.CallbackEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	log := r.callbacks[correlationID]
	out := make([]types.CallbackEvent, len(log))
	copy(out, log)
	return out, nil
}

// GetStats summarizes executions whose StartedAt falls within the trailing
// window.
func (r *Registry) GetStats(ctx context.Context, window time.Duration) (Stats, error) {
	select {
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	default:
	}

	cutoff := time.Now().Add(-window).UnixMilli()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats Stats
	var withCallback int
	var durationTotal int64
	for _, exec := range r.executions {
		if exec.StartedAt < cutoff {
			continue
		}
		stats.TotalExecutions++
		if exec.CallbackReceived {
			withCallback++
		}
		switch exec.Status {
		case types.ExecutionCompleted:
			stats.Completed++
			durationTotal += exec.DurationMs
		case types.ExecutionFailed:
			stats.Failed++
		case types.ExecutionCancelled:
			stats.Cancelled++
		default:
			stats.Active++
		}
	}
	if stats.TotalExecutions > 0 {
		stats.CallbackSuccessRate = float64(withCallback) / float64(stats.TotalExecutions)
	}
	if stats.Completed > 0 {
		stats.AvgDurationMs = float64(durationTotal) / float64(stats.Completed)
	}
	return stats, nil
}

// Cleanup removes terminal executions whose StartedAt predates the cutoff,
// plus their callback logs. Returns the number of executions removed.
func (r *Registry) Cleanup(ctx context.Context, olderThan time.Duration) int {
	if olderThan <= 0 {
		olderThan = DefaultRetention
	}
	cutoff := time.Now().Add(-olderThan).UnixMilli()

	r.mu.Lock()
	var removed []string
	for id, exec := range r.executions {
		if types.IsTerminalExecutionStatus(exec.Status) && exec.StartedAt < cutoff {
			removed = append(removed, id)
			delete(r.executions, id)
			delete(r.callbacks, id)
		}
	}
	r.mu.Unlock()

	for _, id := range removed {
		correlationID := id
		if err := r.res.ExecuteDatabaseOperation(ctx, "delete_execution", func(ctx context.Context) error {
			if err := r.store.DeleteExecution(ctx, correlationID); err != nil {
				return err
			}
			return r.store.DeleteCallbacks(ctx, correlationID)
		}); err != nil {
			r.logger.Warn("failed to delete mirrored execution", "correlation_id", correlationID, "error", err)
		}
	}

	if len(removed) > 0 {
		r.logger.Info("cleaned up terminal executions", "count", len(removed), "older_than", olderThan)
	}
	return len(removed)
}

// applyStatus maps a new status onto the record, enforcing sticky terminal
// semantics and deriving completion fields. Must be called with r.mu held.
func (r *Registry) applyStatus(exec *types.WorkflowExecution, status string) {
	now := time.Now().UnixMilli()
	exec.UpdatedAt = now

	if types.IsTerminalExecutionStatus(exec.Status) {
		if status != exec.Status {
			r.logger.Debug("terminal execution status is sticky",
				"correlation_id", exec.CorrelationID, "status", exec.Status, "ignored", status)
		}
		return
	}

	exec.Status = status
	if types.IsTerminalExecutionStatus(status) {
		exec.CompletedAt = now
		exec.DurationMs = exec.CompletedAt - exec.StartedAt
		if exec.DurationMs < 0 {
			exec.DurationMs = 0
		}
	}
}

// applyPatch merges recognized patch fields into the record.
func applyPatch(exec *types.WorkflowExecution, patch map[string]interface{}) {
	for key, value := range patch {
		switch key {
		case "workflow_id":
			if v, ok := value.(string); ok {
				exec.WorkflowID = v
			}
		case "workflow_name":
			if v, ok := value.(string); ok {
				exec.WorkflowName = v
			}
		case "client_name":
			if v, ok := value.(string); ok {
				exec.ClientName = v
			}
		case "span_id":
			if v, ok := value.(string); ok {
				exec.SpanID = v
			}
		case "notification_target":
			if v, ok := value.(string); ok {
				exec.NotificationTarget = v
			}
		case "error_details":
			if v, ok := value.(string); ok {
				exec.ErrorDetails = v
			}
		case "response_data":
			if v, ok := value.(map[string]interface{}); ok {
				exec.ResponseData = v
			}
		}
	}
}

// mapCallbackStatus maps an agent-reported execution status onto the registry
// vocabulary.
func mapCallbackStatus(reported string) string {
	switch reported {
	case types.ExecutionCompleted:
		return types.ExecutionCompleted
	case types.ExecutionFailed:
		return types.ExecutionFailed
	default:
		return types.ExecutionInProgress
	}
}

// persistExecution mirrors a record to storage through the resilience layer.
// Failures degrade to memory-only tracking and are never propagated.
func (r *Registry) persistExecution(ctx context.Context, exec types.WorkflowExecution) {
	if err := r.res.ExecuteDatabaseOperation(ctx, "save_execution", func(ctx context.Context) error {
		return r.store.SaveExecution(ctx, exec)
	}); err != nil {
		r.logger.Warn("execution persistence degraded to memory-only",
			"correlation_id", exec.CorrelationID, "error", err)
	}
}

func (r *Registry) persistCallback(ctx context.Context, event types.CallbackEvent) {
	if err := r.res.ExecuteDatabaseOperation(ctx, "append_callback", func(ctx context.Context) error {
		return r.store.AppendCallback(ctx, event)
	}); err != nil {
		r.logger.Warn("callback persistence degraded to memory-only",
			"correlation_id", event.CorrelationID, "error", err)
	}
}

func (r *Registry) publishExecution(ctx context.Context, exec types.WorkflowExecution) {
	r.publish(ctx, events.Event{
		Type:          events.EventExecutionUpdated,
		WorkflowID:    exec.WorkflowID,
		CorrelationID: exec.CorrelationID,
		Data: map[string]interface{}{
			"status":              exec.Status,
			"callback_received":   exec.CallbackReceived,
			"notification_target": exec.NotificationTarget,
			"response_data":       exec.ResponseData,
			"error_details":       exec.ErrorDetails,
			"duration_ms":         exec.DurationMs,
		},
	})
}

func (r *Registry) publish(ctx context.Context, event events.Event) {
	if err := r.bus.Publish(ctx, event); err != nil && !errors.Is(err, events.ErrNoHandler) {
		r.logger.Debug("event not published", "type", event.Type, "error", err)
	}
}
