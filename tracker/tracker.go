// Package tracker maintains per-agent, per-workflow status with timeout
// watchdogs and aggregates it into workflow-level progress. Like the
// registry, it owns authoritative in-memory state and mirrors changes to
// storage through the resilience layer without ever failing a tracking
// operation on a persistence error.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentops/agent-monitor/config"
	"github.com/agentops/agent-monitor/events"
	"github.com/agentops/agent-monitor/resilience"
	"github.com/agentops/agent-monitor/slogger"
	"github.com/agentops/agent-monitor/storage"
	"github.com/agentops/agent-monitor/types"
)

// Standard error definitions
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrEmptyWorkflowID  = errors.New("workflow ID cannot be empty")
	ErrEmptyAgentID     = errors.New("agent ID cannot be empty")
	ErrNoAgents         = errors.New("workflow must have at least one agent")
)

// AgentListener is invoked synchronously on every agent status mutation.
type AgentListener func(info types.AgentStatusInfo)

// ProgressListener is invoked synchronously on every progress recomputation.
type ProgressListener func(progress types.WorkflowProgress)

// Tracker is the agent status state machine.
type Tracker struct {
	agents *config.AgentRegistry
	store  storage.Storage
	res    *resilience.ErrorHandler
	bus    *events.EventBus
	logger slogger.Logger

	mu        sync.Mutex
	records   map[string]map[string]types.AgentStatusInfo // workflowID -> agentID
	progress  map[string]types.WorkflowProgress
	watchdogs map[string]*time.Timer // "workflowID|agentID"
	stopped   bool

	subMu        sync.RWMutex
	agentSubs    []AgentListener
	progressSubs []ProgressListener
}

// New creates a Tracker. The agent registry supplies per-agent watchdog
// thresholds and display names and is required; a nil store falls back to
// in-memory storage.
func New(agents *config.AgentRegistry, store storage.Storage, res *resilience.ErrorHandler, bus *events.EventBus, logger slogger.Logger) (*Tracker, error) {
	if agents == nil {
		return nil, errors.New("agent registry is required")
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
	return &Tracker{
		agents:    agents,
		store:     store,
		res:       res,
		bus:       bus,
		logger:    logger,
		records:   make(map[string]map[string]types.AgentStatusInfo),
		progress:  make(map[string]types.WorkflowProgress),
		watchdogs: make(map[string]*time.Timer),
	}, nil
}

// Subscribe registers a listener invoked on every agent status mutation. A
// panicking listener is logged and never aborts the mutation.
func (t *Tracker) Subscribe(fn AgentListener) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.agentSubs = append(t.agentSubs, fn)
}

// SubscribeToWorkflow registers a listener invoked on every workflow progress
// recomputation.
func (t *Tracker) SubscribeToWorkflow(fn ProgressListener) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.progressSubs = append(t.progressSubs, fn)
}

// InitializeWorkflow creates one agent record per known agent at "starting",
// builds the initial progress snapshot at "triggered", and arms one watchdog
// timer per agent using that agent's configured timeout threshold.
// Callbacks may beat initialization, so records that already exist are kept
// untouched and only the missing agents are filled in; a watchdog is also
// armed for any existing non-terminal record that lacks one, since records
// synthesized by an early callback have no timer yet. Re-initializing with no
// new agents is a warning no-op.
func (t *Tracker) InitializeWorkflow(ctx context.Context, workflowID, workflowName string, agentIDs []string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if workflowID == "" {
		return ErrEmptyWorkflowID
	}
	if len(agentIDs) == 0 {
		return ErrNoAgents
	}

	now := time.Now().UnixMilli()

	t.mu.Lock()
	byAgent, existing := t.records[workflowID]
	if !existing {
		byAgent = make(map[string]types.AgentStatusInfo, len(agentIDs))
		t.records[workflowID] = byAgent
	}

	var added []types.AgentStatusInfo
	armed := 0
	for _, agentID := range agentIDs {
		cfg := t.agentConfig(agentID)
		if info, ok := byAgent[agentID]; ok {
			if _, pending := t.watchdogs[watchdogKey(workflowID, agentID)]; !pending && !types.IsTerminalAgentStatus(info.Status) {
				t.armWatchdogLocked(workflowID, agentID, cfg.TimeoutThresholdMs)
				armed++
			}
			continue
		}
		info := types.AgentStatusInfo{
			WorkflowID: workflowID,
			AgentID:    agentID,
			AgentName:  cfg.Name,
			Status:     types.AgentStarting,
			UpdatedAt:  now,
		}
		byAgent[agentID] = info
		t.armWatchdogLocked(workflowID, agentID, cfg.TimeoutThresholdMs)
		added = append(added, info)
	}

	if existing && len(added) == 0 && armed == 0 {
		t.mu.Unlock()
		t.logger.Warn("duplicate workflow initialization ignored", "workflow_id", workflowID)
		return nil
	}

	progress := t.recomputeProgressLocked(workflowID, workflowName, now)
	t.mu.Unlock()

	for _, info := range added {
		t.notifyAgent(info)
		t.persistAgent(ctx, info)
	}
	t.notifyProgress(progress)
	t.persistProgress(ctx, progress)
	t.publishProgress(ctx, progress)

	if existing {
		t.logger.Info("workflow initialization merged into existing records",
			"workflow_id", workflowID, "agents_added", len(added), "watchdogs_armed", len(added)+armed)
	} else {
		t.logger.Info("workflow tracking initialized",
			"workflow_id", workflowID, "workflow_name", workflowName, "agents", len(agentIDs))
	}
	return nil
}

// UpdateAgentStatus transitions one agent record. A missing record is
// synthesized, since callbacks may arrive before initialization completes.
// The first transition to "running" stamps ExecutionStart; the first terminal
// transition stamps ExecutionEnd and derives ExecutionTimeMs. A terminal
// status is sticky and can only be left by an explicit "retrying" update on a
// failed or timed-out agent. Workflow progress is recomputed afterward.
func (t *Tracker) UpdateAgentStatus(ctx context.Context, workflowID, agentID, status string, meta map[string]interface{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if workflowID == "" {
		return ErrEmptyWorkflowID
	}
	if agentID == "" {
		return ErrEmptyAgentID
	}

	now := time.Now().UnixMilli()

	t.mu.Lock()
	byAgent, ok := t.records[workflowID]
	if !ok {
		byAgent = make(map[string]types.AgentStatusInfo)
		t.records[workflowID] = byAgent
	}

	info, ok := byAgent[agentID]
	if !ok {
		// Callback arrived before initialization: synthesize the record.
		cfg := t.agentConfig(agentID)
		info = types.AgentStatusInfo{
			WorkflowID: workflowID,
			AgentID:    agentID,
			AgentName:  cfg.Name,
			Status:     types.AgentStarting,
			UpdatedAt:  now,
		}
		t.logger.Warn("agent status update before initialization, record synthesized",
			"workflow_id", workflowID, "agent_id", agentID)
	}

	if !t.applyStatusLocked(&info, status, now) {
		t.mu.Unlock()
		t.logger.Debug("terminal agent status is sticky",
			"workflow_id", workflowID, "agent_id", agentID,
			"status", info.Status, "ignored", status)
		return nil
	}
	applyMeta(&info, meta)
	byAgent[agentID] = info

	switch {
	case types.IsTerminalAgentStatus(info.Status):
		t.cancelWatchdogLocked(workflowID, agentID)
	case info.Status == types.AgentRetrying:
		t.armWatchdogLocked(workflowID, agentID, t.agentConfig(agentID).TimeoutThresholdMs)
	}

	progress := t.recomputeProgressLocked(workflowID, "", now)
	t.mu.Unlock()

	t.notifyAgent(info)
	t.persistAgent(ctx, info)
	t.publishAgent(ctx, info, events.EventAgentStatusChanged)

	t.notifyProgress(progress)
	t.persistProgress(ctx, progress)
	t.publishProgress(ctx, progress)
	return nil
}

// GetWorkflowProgress returns the aggregate progress snapshot for a workflow.
func (t *Tracker) GetWorkflowProgress(workflowID string) (types.WorkflowProgress, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	progress, ok := t.progress[workflowID]
	if !ok {
		return types.WorkflowProgress{}, fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, workflowID)
	}
	return cloneProgress(progress), nil
}

// GetAllProgress returns progress snapshots for every tracked workflow.
func (t *Tracker) GetAllProgress() []types.WorkflowProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.WorkflowProgress, 0, len(t.progress))
	for _, progress := range t.progress {
		out = append(out, cloneProgress(progress))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out
}

// GetLatestAgentStatuses returns, for each known agent type, its most
// recently updated record across all workflows, or a synthesized idle record
// if the agent has never run. This is a dashboard convenience view.
func (t *Tracker) GetLatestAgentStatuses() []types.AgentStatusInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	known := t.agents.All()
	out := make([]types.AgentStatusInfo, 0, len(known))
	for _, cfg := range known {
		latest := types.AgentStatusInfo{
			AgentID:   cfg.ID,
			AgentName: cfg.Name,
			Status:    types.AgentIdle,
		}
		for _, byAgent := range t.records {
			if info, ok := byAgent[cfg.ID]; ok && info.UpdatedAt > latest.UpdatedAt {
				latest = info
			}
		}
		out = append(out, latest)
	}
	return out
}

// Stop cancels all pending watchdogs. Further timer fires become no-ops.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for key, timer := range t.watchdogs {
		timer.Stop()
		delete(t.watchdogs, key)
	}
}

// watchdogFire resolves a silently-failing agent to "timeout". It is a no-op
// when the agent already reached a terminal state, so a late fire can never
// overwrite a legitimate completion.
func (t *Tracker) watchdogFire(workflowID, agentID string, threshold time.Duration) {
	now := time.Now().UnixMilli()

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	delete(t.watchdogs, watchdogKey(workflowID, agentID))

	byAgent, ok := t.records[workflowID]
	if !ok {
		t.mu.Unlock()
		return
	}
	info, ok := byAgent[agentID]
	if !ok || types.IsTerminalAgentStatus(info.Status) || info.Status == types.AgentIdle {
		t.mu.Unlock()
		return
	}

	t.applyStatusLocked(&info, types.AgentTimeout, now)
	info.ErrorMessage = fmt.Sprintf("no callback received within %s", threshold)
	byAgent[agentID] = info

	progress := t.recomputeProgressLocked(workflowID, "", now)
	t.mu.Unlock()

	t.logger.Warn("agent watchdog fired",
		"workflow_id", workflowID, "agent_id", agentID, "threshold", threshold)

	ctx := context.Background()
	t.notifyAgent(info)
	t.persistAgent(ctx, info)
	t.publishAgent(ctx, info, events.EventAgentTimeout)

	t.notifyProgress(progress)
	t.persistProgress(ctx, progress)
	t.publishProgress(ctx, progress)
}

// applyStatusLocked transitions one record, enforcing sticky terminal
// semantics and deriving the execution timestamps. Returns false when the
// update must be ignored. Must be called with t.mu held.
func (t *Tracker) applyStatusLocked(info *types.AgentStatusInfo, status string, now int64) bool {
	if types.IsTerminalAgentStatus(info.Status) {
		// Only a failed or timed-out agent may be routed through "retrying".
		if status != types.AgentRetrying || info.Status == types.AgentCompleted {
			return false
		}
		info.Status = types.AgentRetrying
		info.RetryCount++
		info.ExecutionEnd = 0
		info.ExecutionTimeMs = 0
		info.UpdatedAt = now
		return true
	}

	if status == types.AgentRetrying && info.Status != types.AgentRetrying {
		info.RetryCount++
	}
	info.Status = status
	info.UpdatedAt = now

	if status == types.AgentRunning && info.ExecutionStart == 0 {
		info.ExecutionStart = now
	}
	if types.IsTerminalAgentStatus(status) && info.ExecutionEnd == 0 {
		info.ExecutionEnd = now
		if info.ExecutionStart > 0 {
			info.ExecutionTimeMs = info.ExecutionEnd - info.ExecutionStart
			if info.ExecutionTimeMs < 0 {
				info.ExecutionTimeMs = 0
			}
		}
	}
	return true
}

// recomputeProgressLocked rebuilds the aggregate snapshot for a workflow by
// scanning its agent records. Must be called with t.mu held.
func (t *Tracker) recomputeProgressLocked(workflowID, workflowName string, now int64) types.WorkflowProgress {
	prev, hasPrev := t.progress[workflowID]
	if workflowName == "" && hasPrev {
		workflowName = prev.WorkflowName
	}
	startedAt := now
	if hasPrev {
		startedAt = prev.StartedAt
	}

	byAgent := t.records[workflowID]
	progress := types.WorkflowProgress{
		WorkflowID:   workflowID,
		WorkflowName: workflowName,
		StartedAt:    startedAt,
		AgentsTotal:  len(byAgent),
		Agents:       snapshotAgents(byAgent),
	}

	var leftStarting bool
	var maxRemainingMs int64
	for _, info := range byAgent {
		switch info.Status {
		case types.AgentCompleted:
			progress.AgentsCompleted++
		case types.AgentFailed, types.AgentTimeout:
			progress.AgentsFailed++
		}
		if info.Status != types.AgentStarting {
			leftStarting = true
		}
		if !types.IsTerminalAgentStatus(info.Status) {
			if est := t.agentConfig(info.AgentID).EstimatedRuntimeMs; est > maxRemainingMs {
				maxRemainingMs = est
			}
		}
	}

	terminal := progress.AgentsCompleted + progress.AgentsFailed
	switch {
	case progress.AgentsTotal > 0 && terminal == progress.AgentsTotal && progress.AgentsFailed == 0:
		progress.Status = types.WorkflowCompleted
	case progress.AgentsTotal > 0 && terminal == progress.AgentsTotal:
		progress.Status = types.WorkflowFailed
	case leftStarting:
		progress.Status = types.WorkflowRunning
	default:
		progress.Status = types.WorkflowTriggered
	}

	if progress.Status == types.WorkflowRunning || progress.Status == types.WorkflowTriggered {
		progress.EstimatedCompletion = startedAt + maxRemainingMs
	}

	t.progress[workflowID] = progress
	return cloneProgress(progress)
}

// armWatchdogLocked schedules (or reschedules) the one-shot timeout timer for
// an agent. Must be called with t.mu held.
func (t *Tracker) armWatchdogLocked(workflowID, agentID string, thresholdMs int64) {
	if t.stopped {
		return
	}
	if thresholdMs <= 0 {
		thresholdMs = config.DefaultTimeoutThresholdMs
	}
	threshold := time.Duration(thresholdMs) * time.Millisecond

	key := watchdogKey(workflowID, agentID)
	if timer, ok := t.watchdogs[key]; ok {
		timer.Stop()
	}
	t.watchdogs[key] = time.AfterFunc(threshold, func() {
		t.watchdogFire(workflowID, agentID, threshold)
	})
}

// cancelWatchdogLocked stops the pending timer for an agent, if any. Must be
// called with t.mu held.
func (t *Tracker) cancelWatchdogLocked(workflowID, agentID string) {
	key := watchdogKey(workflowID, agentID)
	if timer, ok := t.watchdogs[key]; ok {
		timer.Stop()
		delete(t.watchdogs, key)
	}
}

func watchdogKey(workflowID, agentID string) string {
	return workflowID + "|" + agentID
}

// agentConfig resolves the static configuration for an agent, falling back
// to defaults for agents missing from the registry.
func (t *Tracker) agentConfig(agentID string) types.AgentConfig {
	if cfg, ok := t.agents.Get(agentID); ok {
		return cfg
	}
	return types.AgentConfig{
		ID:                 agentID,
		Name:               agentID,
		EstimatedRuntimeMs: config.DefaultEstimatedRuntimeMs,
		TimeoutThresholdMs: config.DefaultTimeoutThresholdMs,
	}
}

func (t *Tracker) notifyAgent(info types.AgentStatusInfo) {
	t.subMu.RLock()
	subs := make([]AgentListener, len(t.agentSubs))
	copy(subs, t.agentSubs)
	t.subMu.RUnlock()

	for _, fn := range subs {
		t.invokeAgent(fn, info)
	}
}

func (t *Tracker) invokeAgent(fn AgentListener, info types.AgentStatusInfo) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("agent status listener panicked",
				"workflow_id", info.WorkflowID, "agent_id", info.AgentID, "panic", r)
		}
	}()
	fn(info)
}

func (t *Tracker) notifyProgress(progress types.WorkflowProgress) {
	t.subMu.RLock()
	subs := make([]ProgressListener, len(t.progressSubs))
	copy(subs, t.progressSubs)
	t.subMu.RUnlock()

	for _, fn := range subs {
		t.invokeProgress(fn, progress)
	}
}

func (t *Tracker) invokeProgress(fn ProgressListener, progress types.WorkflowProgress) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("workflow progress listener panicked",
				"workflow_id", progress.WorkflowID, "panic", r)
		}
	}()
	fn(progress)
}

// persistAgent mirrors one agent record through the resilience layer.
// Failures degrade to memory-only tracking and are never propagated.
func (t *Tracker) persistAgent(ctx context.Context, info types.AgentStatusInfo) {
	if err := t.res.ExecuteDatabaseOperation(ctx, "save_agent_status", func(ctx context.Context) error {
		return t.store.SaveAgentStatus(ctx, info)
	}); err != nil {
		t.logger.Warn("agent status persistence degraded to memory-only",
			"workflow_id", info.WorkflowID, "agent_id", info.AgentID, "error", err)
	}
}

func (t *Tracker) persistProgress(ctx context.Context, progress types.WorkflowProgress) {
	if err := t.res.ExecuteDatabaseOperation(ctx, "save_progress", func(ctx context.Context) error {
		return t.store.SaveProgress(ctx, progress)
	}); err != nil {
		t.logger.Warn("workflow progress persistence degraded to memory-only",
			"workflow_id", progress.WorkflowID, "error", err)
	}
}

func (t *Tracker) publishAgent(ctx context.Context, info types.AgentStatusInfo, eventType string) {
	t.publish(ctx, events.Event{
		Type:       eventType,
		WorkflowID: info.WorkflowID,
		AgentID:    info.AgentID,
		Data: map[string]interface{}{
			"status":        info.Status,
			"error_message": info.ErrorMessage,
			"retry_count":   info.RetryCount,
		},
	})
}

func (t *Tracker) publishProgress(ctx context.Context, progress types.WorkflowProgress) {
	t.publish(ctx, events.Event{
		Type:       events.EventWorkflowProgressChanged,
		WorkflowID: progress.WorkflowID,
		Data: map[string]interface{}{
			"status":           progress.Status,
			"agents_total":     progress.AgentsTotal,
			"agents_completed": progress.AgentsCompleted,
			"agents_failed":    progress.AgentsFailed,
		},
	})
}

func (t *Tracker) publish(ctx context.Context, event events.Event) {
	if err := t.bus.Publish(ctx, event); err != nil && !errors.Is(err, events.ErrNoHandler) {
		t.logger.Debug("event not published", "type", event.Type, "error", err)
	}
}

// applyMeta merges recognized metadata fields into the record.
func applyMeta(info *types.AgentStatusInfo, meta map[string]interface{}) {
	for key, value := range meta {
		switch key {
		case "agent_name":
			if v, ok := value.(string); ok {
				info.AgentName = v
			}
		case "error_message":
			if v, ok := value.(string); ok {
				info.ErrorMessage = v
			}
		case "progress_percentage":
			switch v := value.(type) {
			case float64:
				info.ProgressPercentage = v
			case int:
				info.ProgressPercentage = float64(v)
			}
		}
	}
}

func snapshotAgents(byAgent map[string]types.AgentStatusInfo) []types.AgentStatusInfo {
	out := make([]types.AgentStatusInfo, 0, len(byAgent))
	for _, info := range byAgent {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func cloneProgress(progress types.WorkflowProgress) types.WorkflowProgress {
	out := progress
	out.Agents = make([]types.AgentStatusInfo, len(progress.Agents))
	copy(out.Agents, progress.Agents)
	return out
}
