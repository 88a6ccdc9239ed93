package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentops/agent-monitor/resilience"
	"github.com/agentops/agent-monitor/storage"
	"github.com/agentops/agent-monitor/types"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

// failingStorage returns an error from every operation.
type failingStorage struct {
	storage.Storage
	mu    sync.Mutex
	calls int
}

func (s *failingStorage) SaveExecution(ctx context.Context, exec types.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return errors.New("connection refused")
}

func (s *failingStorage) AppendCallback(ctx context.Context, event types.CallbackEvent) error {
	return errors.New("connection refused")
}

func fastHandler() *resilience.ErrorHandler {
	return resilience.NewErrorHandler(nil, resilience.WithRetryConfig(resilience.RetryConfig{
		MaxRetries:      0,
		BaseDelay:       time.Millisecond,
		MaxDelay:        time.Millisecond,
		ExponentialBase: 2.0,
	}))
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(&MockGenerator{}, storage.NewMemoryStorage(), fastHandler(), nil, nil)
	assert.NoError(t, err)
	return r
}

func TestNewRegistryRequiresGenerator(t *testing.T) {
	_, err := New(nil, nil, nil, nil, nil)
	assert.EqualError(t, err, "generator is required")
}

func TestTrackInitiated(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	err := r.TrackInitiated(ctx, types.WorkflowExecution{
		CorrelationID: "corr-1",
		WorkflowName:  "Analysis",
		ClientName:    "acme",
	})
	assert.NoError(t, err)

	exec, err := r.GetExecution(ctx, "corr-1")
	assert.NoError(t, err)
	assert.Equal(t, types.ExecutionInitiated, exec.Status)
	assert.NotEmpty(t, exec.SpanID)
	assert.NotZero(t, exec.StartedAt)
	assert.False(t, exec.CallbackReceived)

	err = r.TrackInitiated(ctx, types.WorkflowExecution{})
	assert.ErrorIs(t, err, ErrEmptyCorrelation)
}

func TestTrackInitiatedIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	assert.NoError(t, r.TrackInitiated(ctx, types.WorkflowExecution{CorrelationID: "corr-1"}))
	assert.NoError(t, r.UpdateStatus(ctx, "corr-1", types.ExecutionInProgress, nil))

	// Re-initiation must not reset the advanced status.
	assert.NoError(t, r.TrackInitiated(ctx, types.WorkflowExecution{CorrelationID: "corr-1"}))

	exec, err := r.GetExecution(ctx, "corr-1")
	assert.NoError(t, err)
	assert.Equal(t, types.ExecutionInProgress, exec.Status)
}

func TestUpdateStatusDerivesDuration(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	assert.NoError(t, r.TrackInitiated(ctx, types.WorkflowExecution{CorrelationID: "corr-1"}))
	time.Sleep(5 * time.Millisecond)
	assert.NoError(t, r.UpdateStatus(ctx, "corr-1", types.ExecutionCompleted, nil))

	exec, err := r.GetExecution(ctx, "corr-1")
	assert.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, exec.Status)
	assert.NotZero(t, exec.CompletedAt)
	assert.Equal(t, exec.CompletedAt-exec.StartedAt, exec.DurationMs)
	assert.GreaterOrEqual(t, exec.DurationMs, int64(0))
}

func TestUpdateStatusUnknownIDIsNoOp(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	assert.NoError(t, r.UpdateStatus(ctx, "missing", types.ExecutionFailed, nil))
	_, err := r.GetExecution(ctx, "missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestUpdateStatusMergesPatch(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	assert.NoError(t, r.TrackInitiated(ctx, types.WorkflowExecution{CorrelationID: "corr-1"}))
	assert.NoError(t, r.UpdateStatus(ctx, "corr-1", types.ExecutionFailed, map[string]interface{}{
		"workflow_id":   "wf-1",
		"error_details": "agent exploded",
		"response_data": map[string]interface{}{"partial": true},
	}))

	exec, err := r.GetExecution(ctx, "corr-1")
	assert.NoError(t, err)
	assert.Equal(t, "wf-1", exec.WorkflowID)
	assert.Equal(t, "agent exploded", exec.ErrorDetails)
	assert.Equal(t, map[string]interface{}{"partial": true}, exec.ResponseData)
}

func TestRecordCallbackUpdatesExecution(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	assert.NoError(t, r.TrackInitiated(ctx, types.WorkflowExecution{CorrelationID: "corr-1"}))
	assert.NoError(t, r.RecordCallback(ctx, types.CallbackEvent{
		CorrelationID:   "corr-1",
		WorkflowID:      "wf-1",
		AgentID:         "a",
		ExecutionStatus: "running",
		SignatureValid:  true,
	}))

	exec, err := r.GetExecution(ctx, "corr-1")
	assert.NoError(t, err)
	assert.True(t, exec.CallbackReceived)
	assert.NotZero(t, exec.CallbackTimestamp)
	assert.Equal(t, types.ExecutionInProgress, exec.Status)
	assert.Equal(t, "wf-1", exec.WorkflowID)

	callbacks, err := r.GetCallbacks(ctx, "corr-1")
	assert.NoError(t, err)
	assert.Len(t, callbacks, 1)
	assert.Equal(t, uint64(1), callbacks[0].Seq)
}

func TestTerminalStatusIsSticky(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	assert.NoError(t, r.TrackInitiated(ctx, types.WorkflowExecution{CorrelationID: "corr-1"}))

	// A completed callback followed by a failed callback: terminal wins,
	// both events stay in the audit log.
	assert.NoError(t, r.RecordCallback(ctx, types.CallbackEvent{
		CorrelationID:   "corr-1",
		ExecutionStatus: "completed",
	}))
	assert.NoError(t, r.RecordCallback(ctx, types.CallbackEvent{
		CorrelationID:   "corr-1",
		ExecutionStatus: "failed",
	}))

	exec, err := r.GetExecution(ctx, "corr-1")
	assert.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, exec.Status)

	callbacks, err := r.GetCallbacks(ctx, "corr-1")
	assert.NoError(t, err)
	assert.Len(t, callbacks, 2)
}

func TestRecordCallbackForUnknownExecution(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	assert.NoError(t, r.RecordCallback(ctx, types.CallbackEvent{
		CorrelationID:   "orphan",
		ExecutionStatus: "completed",
	}))

	callbacks, err := r.GetCallbacks(ctx, "orphan")
	assert.NoError(t, err)
	assert.Len(t, callbacks, 1)

	_, err = r.GetExecution(ctx, "orphan")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestGetStats(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	assert.NoError(t, r.TrackInitiated(ctx, types.WorkflowExecution{CorrelationID: "corr-1"}))
	assert.NoError(t, r.TrackInitiated(ctx, types.WorkflowExecution{CorrelationID: "corr-2"}))
	assert.NoError(t, r.TrackInitiated(ctx, types.WorkflowExecution{CorrelationID: "corr-3"}))

	assert.NoError(t, r.RecordCallback(ctx, types.CallbackEvent{
		CorrelationID:   "corr-1",
		ExecutionStatus: "completed",
	}))
	assert.NoError(t, r.UpdateStatus(ctx, "corr-2", types.ExecutionFailed, nil))

	stats, err := r.GetStats(ctx, 24*time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, 3, stats.TotalExecutions)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Active)
	assert.InDelta(t, 1.0/3.0, stats.CallbackSuccessRate, 0.001)
}

func TestCleanupRemovesOldTerminalExecutions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	old := time.Now().Add(-100 * time.Hour).UnixMilli()
	assert.NoError(t, r.TrackInitiated(ctx, types.WorkflowExecution{
		CorrelationID: "corr-old",
		StartedAt:     old,
	}))
	assert.NoError(t, r.RecordCallback(ctx, types.CallbackEvent{
		CorrelationID:   "corr-old",
		ExecutionStatus: "completed",
	}))
	assert.NoError(t, r.TrackInitiated(ctx, types.WorkflowExecution{CorrelationID: "corr-new"}))

	removed := r.Cleanup(ctx, 72*time.Hour)
	assert.Equal(t, 1, removed)

	_, err := r.GetExecution(ctx, "corr-old")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
	callbacks, err := r.GetCallbacks(ctx, "corr-old")
	assert.NoError(t, err)
	assert.Empty(t, callbacks)

	_, err = r.GetExecution(ctx, "corr-new")
	assert.NoError(t, err)
}

func TestPersistenceFailureDegradesToMemory(t *testing.T) {
	store := &failingStorage{}
	r, err := New(&MockGenerator{}, store, fastHandler(), nil, nil)
	assert.NoError(t, err)
	ctx := context.Background()

	// Tracking operations succeed against in-memory state even when every
	// mirrored write fails.
	assert.NoError(t, r.TrackInitiated(ctx, types.WorkflowExecution{CorrelationID: "corr-1"}))
	assert.NoError(t, r.UpdateStatus(ctx, "corr-1", types.ExecutionCompleted, nil))
	assert.NoError(t, r.RecordCallback(ctx, types.CallbackEvent{
		CorrelationID:   "corr-1",
		ExecutionStatus: "completed",
	}))

	exec, err := r.GetExecution(ctx, "corr-1")
	assert.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, exec.Status)
	assert.True(t, exec.CallbackReceived)

	store.mu.Lock()
	assert.Greater(t, store.calls, 0)
	store.mu.Unlock()
}
