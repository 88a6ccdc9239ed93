package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agentops/agent-monitor/types"
)

// Errors
var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrProgressNotFound  = errors.New("workflow progress not found")
)

// MemoryStorage is an in-memory implementation of the Storage interface. It
// is the default mirror and the one tests run against.
type MemoryStorage struct {
	executions map[string]types.WorkflowExecution
	callbacks  map[string][]types.CallbackEvent
	agents     map[string]map[string]types.AgentStatusInfo // workflowID -> agentID
	progress   map[string]types.WorkflowProgress
	mu         sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		executions: make(map[string]types.WorkflowExecution),
		callbacks:  make(map[string][]types.CallbackEvent),
		agents:     make(map[string]map[string]types.AgentStatusInfo),
		progress:   make(map[string]types.WorkflowProgress),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, id string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%s", errNotFound, id)
		}
		return item, nil
	})
}

// SaveExecution upserts an execution record in memory.
func (s *MemoryStorage) SaveExecution(ctx context.Context, exec types.WorkflowExecution) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.executions[exec.CorrelationID] = exec
		return nil
	})
}

// GetExecution retrieves an execution record from memory.
func (s *MemoryStorage) GetExecution(ctx context.Context, correlationID string) (types.WorkflowExecution, error) {
	return getItem(ctx, &s.mu, s.executions, correlationID, ErrExecutionNotFound)
}

// DeleteExecution removes an execution record from memory.
func (s *MemoryStorage) DeleteExecution(ctx context.Context, correlationID string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.executions, correlationID)
		return nil
	})
}

// AppendCallback appends a callback event to the in-memory audit log.
func (s *MemoryStorage) AppendCallback(ctx context.Context, event types.CallbackEvent) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.callbacks[event.CorrelationID] = append(s.callbacks[event.CorrelationID], event)
		return nil
	})
}

// GetCallbacks retrieves the callback log for a correlation ID.
func (s *MemoryStorage) GetCallbacks(ctx context.Context, correlationID string) ([]types.CallbackEvent, error) {
	return withContext(ctx, func() ([]types.CallbackEvent, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		log := s.callbacks[correlationID]
		out := make([]types.CallbackEvent, len(log))
		copy(out, log)
		return out, nil
	})
}

// DeleteCallbacks removes the callback log for a correlation ID.
func (s *MemoryStorage) DeleteCallbacks(ctx context.Context, correlationID string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.callbacks, correlationID)
		return nil
	})
}

// SaveAgentStatus upserts an agent status record keyed by (workflow, agent).
func (s *MemoryStorage) SaveAgentStatus(ctx context.Context, info types.AgentStatusInfo) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		byAgent, ok := s.agents[info.WorkflowID]
		if !ok {
			byAgent = make(map[string]types.AgentStatusInfo)
			s.agents[info.WorkflowID] = byAgent
		}
		byAgent[info.AgentID] = info
		return nil
	})
}

// GetAgentStatuses retrieves all agent status records for a workflow.
func (s *MemoryStorage) GetAgentStatuses(ctx context.Context, workflowID string) ([]types.AgentStatusInfo, error) {
	return withContext(ctx, func() ([]types.AgentStatusInfo, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		byAgent := s.agents[workflowID]
		out := make([]types.AgentStatusInfo, 0, len(byAgent))
		for _, info := range byAgent {
			out = append(out, info)
		}
		return out, nil
	})
}

// SaveProgress upserts the aggregate progress record for a workflow.
func (s *MemoryStorage) SaveProgress(ctx context.Context, progress types.WorkflowProgress) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.progress[progress.WorkflowID] = progress
		return nil
	})
}

// GetProgress retrieves the aggregate progress record for a workflow.
func (s *MemoryStorage) GetProgress(ctx context.Context, workflowID string) (types.WorkflowProgress, error) {
	return getItem(ctx, &s.mu, s.progress, workflowID, ErrProgressNotFound)
}

// Close is a no-op; memory holds no external resources.
func (s *MemoryStorage) Close() error {
	return nil
}
