package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentops/agent-monitor/config"
	"github.com/agentops/agent-monitor/resilience"
	"github.com/agentops/agent-monitor/storage"
	"github.com/agentops/agent-monitor/types"
)

func testAgents(t *testing.T, timeoutMs int64) *config.AgentRegistry {
	t.Helper()
	agents, err := config.NewAgentRegistry([]types.AgentConfig{
		{ID: "analyzer", Name: "Content Analyzer", EstimatedRuntimeMs: 60_000, TimeoutThresholdMs: timeoutMs},
		{ID: "segmenter", Name: "Segmenter", EstimatedRuntimeMs: 30_000, TimeoutThresholdMs: timeoutMs},
	})
	assert.NoError(t, err)
	return agents
}

func newTestTracker(t *testing.T, timeoutMs int64) *Tracker {
	t.Helper()
	tr, err := New(testAgents(t, timeoutMs), storage.NewMemoryStorage(), resilience.NewErrorHandler(nil), nil, nil)
	assert.NoError(t, err)
	t.Cleanup(tr.Stop)
	return tr
}

func TestNewTrackerRequiresAgents(t *testing.T) {
	_, err := New(nil, nil, nil, nil, nil)
	assert.EqualError(t, err, "agent registry is required")
}

func TestInitializeWorkflow(t *testing.T) {
	tr := newTestTracker(t, 300_000)
	ctx := context.Background()

	err := tr.InitializeWorkflow(ctx, "wf-1", "Video Analysis", []string{"analyzer", "segmenter"})
	assert.NoError(t, err)

	progress, err := tr.GetWorkflowProgress("wf-1")
	assert.NoError(t, err)
	assert.Equal(t, types.WorkflowTriggered, progress.Status)
	assert.Equal(t, "Video Analysis", progress.WorkflowName)
	assert.Equal(t, 2, progress.AgentsTotal)
	assert.Equal(t, 0, progress.AgentsCompleted)
	assert.Len(t, progress.Agents, 2)
	for _, info := range progress.Agents {
		assert.Equal(t, types.AgentStarting, info.Status)
	}

	assert.ErrorIs(t, tr.InitializeWorkflow(ctx, "", "x", []string{"analyzer"}), ErrEmptyWorkflowID)
	assert.ErrorIs(t, tr.InitializeWorkflow(ctx, "wf-2", "x", nil), ErrNoAgents)
}

func TestInitializeWorkflowIsIdempotent(t *testing.T) {
	tr := newTestTracker(t, 300_000)
	ctx := context.Background()

	assert.NoError(t, tr.InitializeWorkflow(ctx, "wf-1", "Analysis", []string{"analyzer"}))
	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentRunning, nil))

	// Re-initialization must not reset the advanced record.
	assert.NoError(t, tr.InitializeWorkflow(ctx, "wf-1", "Analysis", []string{"analyzer"}))

	progress, err := tr.GetWorkflowProgress("wf-1")
	assert.NoError(t, err)
	assert.Equal(t, types.WorkflowRunning, progress.Status)
	assert.Equal(t, types.AgentRunning, progress.Agents[0].Status)
}

func TestAgentLifecycleTimestamps(t *testing.T) {
	tr := newTestTracker(t, 300_000)
	ctx := context.Background()

	assert.NoError(t, tr.InitializeWorkflow(ctx, "wf-1", "Analysis", []string{"analyzer"}))
	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentRunning, nil))
	time.Sleep(5 * time.Millisecond)
	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentCompleted, nil))

	progress, err := tr.GetWorkflowProgress("wf-1")
	assert.NoError(t, err)
	info := progress.Agents[0]
	assert.Equal(t, types.AgentCompleted, info.Status)
	assert.NotZero(t, info.ExecutionStart)
	assert.NotZero(t, info.ExecutionEnd)
	assert.Equal(t, info.ExecutionEnd-info.ExecutionStart, info.ExecutionTimeMs)
	assert.GreaterOrEqual(t, info.ExecutionTimeMs, int64(0))
}

func TestTerminalAgentStatusIsSticky(t *testing.T) {
	tr := newTestTracker(t, 300_000)
	ctx := context.Background()

	assert.NoError(t, tr.InitializeWorkflow(ctx, "wf-1", "Analysis", []string{"analyzer"}))
	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentCompleted, nil))

	// A late failure report cannot overwrite a completed agent.
	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentFailed, nil))

	progress, err := tr.GetWorkflowProgress("wf-1")
	assert.NoError(t, err)
	assert.Equal(t, types.AgentCompleted, progress.Agents[0].Status)
	assert.Equal(t, types.WorkflowCompleted, progress.Status)

	// Completed cannot be left via retrying either.
	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentRetrying, nil))
	progress, err = tr.GetWorkflowProgress("wf-1")
	assert.NoError(t, err)
	assert.Equal(t, types.AgentCompleted, progress.Agents[0].Status)
	assert.Equal(t, 0, progress.Agents[0].RetryCount)
}

func TestFailedAgentCanRetry(t *testing.T) {
	tr := newTestTracker(t, 300_000)
	ctx := context.Background()

	assert.NoError(t, tr.InitializeWorkflow(ctx, "wf-1", "Analysis", []string{"analyzer"}))
	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentRunning, nil))
	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentFailed, map[string]interface{}{
		"error_message": "upstream 503",
	}))
	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentRetrying, nil))

	progress, err := tr.GetWorkflowProgress("wf-1")
	assert.NoError(t, err)
	info := progress.Agents[0]
	assert.Equal(t, types.AgentRetrying, info.Status)
	assert.Equal(t, 1, info.RetryCount)
	assert.Zero(t, info.ExecutionEnd)
	assert.Zero(t, info.ExecutionTimeMs)
	assert.Equal(t, types.WorkflowRunning, progress.Status)

	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentCompleted, nil))
	progress, err = tr.GetWorkflowProgress("wf-1")
	assert.NoError(t, err)
	assert.Equal(t, types.WorkflowCompleted, progress.Status)
}

func TestProgressAggregation(t *testing.T) {
	tr := newTestTracker(t, 300_000)
	ctx := context.Background()

	assert.NoError(t, tr.InitializeWorkflow(ctx, "wf-1", "Analysis", []string{"analyzer", "segmenter"}))

	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentCompleted, nil))
	progress, err := tr.GetWorkflowProgress("wf-1")
	assert.NoError(t, err)
	assert.Equal(t, types.WorkflowRunning, progress.Status)
	assert.Equal(t, 1, progress.AgentsCompleted)

	// One agent failed: workflow cannot end completed.
	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "segmenter", types.AgentFailed, nil))
	progress, err = tr.GetWorkflowProgress("wf-1")
	assert.NoError(t, err)
	assert.Equal(t, types.WorkflowFailed, progress.Status)
	assert.Equal(t, 1, progress.AgentsCompleted)
	assert.Equal(t, 1, progress.AgentsFailed)
}

func TestProgressEstimatedCompletion(t *testing.T) {
	tr := newTestTracker(t, 300_000)
	ctx := context.Background()

	assert.NoError(t, tr.InitializeWorkflow(ctx, "wf-1", "Analysis", []string{"analyzer", "segmenter"}))

	progress, err := tr.GetWorkflowProgress("wf-1")
	assert.NoError(t, err)
	// Bounded by the slowest non-terminal agent (analyzer at 60s).
	assert.Equal(t, progress.StartedAt+60_000, progress.EstimatedCompletion)

	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentCompleted, nil))
	progress, err = tr.GetWorkflowProgress("wf-1")
	assert.NoError(t, err)
	assert.Equal(t, progress.StartedAt+30_000, progress.EstimatedCompletion)
}

func TestWatchdogResolvesSilentAgentToTimeout(t *testing.T) {
	tr := newTestTracker(t, 30)
	ctx := context.Background()

	assert.NoError(t, tr.InitializeWorkflow(ctx, "wf-1", "Analysis", []string{"analyzer"}))

	assert.Eventually(t, func() bool {
		progress, err := tr.GetWorkflowProgress("wf-1")
		if err != nil {
			return false
		}
		return progress.Agents[0].Status == types.AgentTimeout
	}, time.Second, 5*time.Millisecond)

	progress, err := tr.GetWorkflowProgress("wf-1")
	assert.NoError(t, err)
	info := progress.Agents[0]
	assert.Equal(t, "no callback received within 30ms", info.ErrorMessage)
	assert.Equal(t, types.WorkflowFailed, progress.Status)
}

func TestWatchdogCancelledOnEarlyCompletion(t *testing.T) {
	tr := newTestTracker(t, 30)
	ctx := context.Background()

	assert.NoError(t, tr.InitializeWorkflow(ctx, "wf-1", "Analysis", []string{"analyzer"}))
	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentCompleted, nil))

	// Wait well past the threshold: the completed status must survive.
	time.Sleep(80 * time.Millisecond)

	progress, err := tr.GetWorkflowProgress("wf-1")
	assert.NoError(t, err)
	assert.Equal(t, types.AgentCompleted, progress.Agents[0].Status)
	assert.Equal(t, types.WorkflowCompleted, progress.Status)
}

func TestWatchdogRearmedOnRetry(t *testing.T) {
	tr := newTestTracker(t, 30)
	ctx := context.Background()

	assert.NoError(t, tr.InitializeWorkflow(ctx, "wf-1", "Analysis", []string{"analyzer"}))
	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentFailed, nil))
	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentRetrying, nil))
	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentRunning, nil))

	// The retry went silent: the re-armed watchdog must resolve it again.
	assert.Eventually(t, func() bool {
		progress, err := tr.GetWorkflowProgress("wf-1")
		if err != nil {
			return false
		}
		return progress.Agents[0].Status == types.AgentTimeout
	}, time.Second, 5*time.Millisecond)
}

func TestInitializeAfterEarlyCallbackMergesRecords(t *testing.T) {
	tr := newTestTracker(t, 30)
	ctx := context.Background()

	// The analyzer's first callback beats initialization.
	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentRunning, nil))

	// The late initialization must fill in the missing segmenter and arm its
	// watchdog instead of bailing as a duplicate.
	assert.NoError(t, tr.InitializeWorkflow(ctx, "wf-1", "Analysis", []string{"analyzer", "segmenter"}))

	progress, err := tr.GetWorkflowProgress("wf-1")
	assert.NoError(t, err)
	assert.Equal(t, 2, progress.AgentsTotal)
	assert.Equal(t, "Analysis", progress.WorkflowName)

	byID := make(map[string]types.AgentStatusInfo, len(progress.Agents))
	for _, info := range progress.Agents {
		byID[info.AgentID] = info
	}
	// The advanced record survives the merge.
	assert.Equal(t, types.AgentRunning, byID["analyzer"].Status)
	assert.Equal(t, types.AgentStarting, byID["segmenter"].Status)

	// Both agents stay silent; both watchdogs must resolve them.
	assert.Eventually(t, func() bool {
		progress, err := tr.GetWorkflowProgress("wf-1")
		if err != nil {
			return false
		}
		for _, info := range progress.Agents {
			if info.Status != types.AgentTimeout {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestRetryingAgentResolvedByWatchdog(t *testing.T) {
	tr := newTestTracker(t, 30)
	ctx := context.Background()

	assert.NoError(t, tr.InitializeWorkflow(ctx, "wf-1", "Analysis", []string{"analyzer"}))
	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentFailed, nil))
	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentRetrying, nil))

	// The retry goes silent without ever reaching running; the re-armed
	// watchdog must still resolve it.
	assert.Eventually(t, func() bool {
		progress, err := tr.GetWorkflowProgress("wf-1")
		if err != nil {
			return false
		}
		return progress.Agents[0].Status == types.AgentTimeout
	}, time.Second, 5*time.Millisecond)

	progress, err := tr.GetWorkflowProgress("wf-1")
	assert.NoError(t, err)
	assert.Equal(t, types.WorkflowFailed, progress.Status)
	assert.Equal(t, 1, progress.Agents[0].RetryCount)
}

func TestUpdateBeforeInitializationSynthesizesRecord(t *testing.T) {
	tr := newTestTracker(t, 300_000)
	ctx := context.Background()

	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentRunning, nil))

	progress, err := tr.GetWorkflowProgress("wf-1")
	assert.NoError(t, err)
	assert.Equal(t, 1, progress.AgentsTotal)
	info := progress.Agents[0]
	assert.Equal(t, "analyzer", info.AgentID)
	assert.Equal(t, "Content Analyzer", info.AgentName)
	assert.Equal(t, types.AgentRunning, info.Status)
}

func TestGetLatestAgentStatuses(t *testing.T) {
	tr := newTestTracker(t, 300_000)
	ctx := context.Background()

	assert.NoError(t, tr.InitializeWorkflow(ctx, "wf-1", "Analysis", []string{"analyzer"}))
	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentRunning, map[string]interface{}{
		"progress_percentage": 40.0,
	}))

	latest := tr.GetLatestAgentStatuses()
	assert.Len(t, latest, 2)

	byID := make(map[string]types.AgentStatusInfo, len(latest))
	for _, info := range latest {
		byID[info.AgentID] = info
	}
	assert.Equal(t, types.AgentRunning, byID["analyzer"].Status)
	assert.Equal(t, 40.0, byID["analyzer"].ProgressPercentage)
	// Never-run agents show a synthesized idle record.
	assert.Equal(t, types.AgentIdle, byID["segmenter"].Status)
	assert.Equal(t, "Segmenter", byID["segmenter"].AgentName)
}

func TestGetAllProgress(t *testing.T) {
	tr := newTestTracker(t, 300_000)
	ctx := context.Background()

	assert.NoError(t, tr.InitializeWorkflow(ctx, "wf-b", "B", []string{"analyzer"}))
	assert.NoError(t, tr.InitializeWorkflow(ctx, "wf-a", "A", []string{"segmenter"}))

	all := tr.GetAllProgress()
	assert.Len(t, all, 2)
	assert.Equal(t, "wf-a", all[0].WorkflowID)
	assert.Equal(t, "wf-b", all[1].WorkflowID)

	_, err := tr.GetWorkflowProgress("missing")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestListeners(t *testing.T) {
	tr := newTestTracker(t, 300_000)
	ctx := context.Background()

	var mu sync.Mutex
	var statuses []string
	var progressStates []string

	tr.Subscribe(func(info types.AgentStatusInfo) {
		panic("listener exploded")
	})
	tr.Subscribe(func(info types.AgentStatusInfo) {
		mu.Lock()
		statuses = append(statuses, info.Status)
		mu.Unlock()
	})
	tr.SubscribeToWorkflow(func(progress types.WorkflowProgress) {
		mu.Lock()
		progressStates = append(progressStates, progress.Status)
		mu.Unlock()
	})

	assert.NoError(t, tr.InitializeWorkflow(ctx, "wf-1", "Analysis", []string{"analyzer"}))
	assert.NoError(t, tr.UpdateAgentStatus(ctx, "wf-1", "analyzer", types.AgentCompleted, nil))

	mu.Lock()
	defer mu.Unlock()
	// The panicking listener is isolated; the healthy one sees every mutation.
	assert.Equal(t, []string{types.AgentStarting, types.AgentCompleted}, statuses)
	assert.Equal(t, []string{types.WorkflowTriggered, types.WorkflowCompleted}, progressStates)
}

func TestStopCancelsWatchdogs(t *testing.T) {
	tr := newTestTracker(t, 30)
	ctx := context.Background()

	assert.NoError(t, tr.InitializeWorkflow(ctx, "wf-1", "Analysis", []string{"analyzer"}))
	tr.Stop()

	time.Sleep(80 * time.Millisecond)

	progress, err := tr.GetWorkflowProgress("wf-1")
	assert.NoError(t, err)
	assert.Equal(t, types.AgentStarting, progress.Agents[0].Status)
}
