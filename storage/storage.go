package storage

import (
	"context"

	"github.com/agentops/agent-monitor/types"
)

// Storage is the durable mirror for tracking state. The registry and tracker
// keep authoritative state in memory and write through to Storage on a
// best-effort basis; every write uses upsert semantics so at-least-once,
// out-of-order delivery upstream cannot corrupt the mirror.
type Storage interface {
	// SaveExecution upserts an execution record keyed by correlation ID.
	SaveExecution(ctx context.Context, exec types.WorkflowExecution) error

	// GetExecution retrieves an execution record by correlation ID.
	GetExecution(ctx context.Context, correlationID string) (types.WorkflowExecution, error)

	// DeleteExecution removes an execution record.
	DeleteExecution(ctx context.Context, correlationID string) error

	// AppendCallback appends a callback event to the audit log for its correlation ID.
	AppendCallback(ctx context.Context, event types.CallbackEvent) error

	// GetCallbacks retrieves the callback log for a correlation ID, in append order.
	GetCallbacks(ctx context.Context, correlationID string) ([]types.CallbackEvent, error)

	// DeleteCallbacks removes the callback log for a correlation ID.
	DeleteCallbacks(ctx context.Context, correlationID string) error

	// SaveAgentStatus upserts an agent status record keyed by (workflow, agent).
	SaveAgentStatus(ctx context.Context, info types.AgentStatusInfo) error

	// GetAgentStatuses retrieves all agent status records for a workflow.
	GetAgentStatuses(ctx context.Context, workflowID string) ([]types.AgentStatusInfo, error)

	// SaveProgress upserts the aggregate progress record keyed by workflow ID.
	SaveProgress(ctx context.Context, progress types.WorkflowProgress) error

	// GetProgress retrieves the aggregate progress record for a workflow.
	GetProgress(ctx context.Context, workflowID string) (types.WorkflowProgress, error)

	// Close releases any resources held by the mirror.
	Close() error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
