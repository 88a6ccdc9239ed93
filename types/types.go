package types

// Execution states for a tracked workflow execution.
const (
	ExecutionInitiated  = "initiated"
	ExecutionInProgress = "in_progress"
	ExecutionCompleted  = "completed"
	ExecutionFailed     = "failed"
	ExecutionCancelled  = "cancelled"
)

// Agent statuses for one (workflow, agent) pair.
const (
	AgentIdle      = "idle"
	AgentStarting  = "starting"
	AgentRunning   = "running"
	AgentCompleted = "completed"
	AgentFailed    = "failed"
	AgentTimeout   = "timeout"
	AgentRetrying  = "retrying"
)

// Aggregate workflow statuses.
const (
	WorkflowTriggered = "triggered"
	WorkflowRunning   = "running"
	WorkflowCompleted = "completed"
	WorkflowFailed    = "failed"
)

// IsTerminalExecutionStatus reports whether an execution status is final.
func IsTerminalExecutionStatus(status string) bool {
	return status == ExecutionCompleted || status == ExecutionFailed || status == ExecutionCancelled
}

// IsTerminalAgentStatus reports whether an agent status is final. A terminal
// status can only be left through an explicit retry.
func IsTerminalAgentStatus(status string) bool {
	return status == AgentCompleted || status == AgentFailed || status == AgentTimeout
}

// WorkflowExecution is one record per initiated unit of cross-agent work,
// keyed by correlation ID.
type WorkflowExecution struct {
	CorrelationID      string                 `json:"correlation_id"`
	SpanID             string                 `json:"span_id,omitempty"`
	WorkflowID         string                 `json:"workflow_id,omitempty"`
	WorkflowName       string                 `json:"workflow_name"`
	ClientName         string                 `json:"client_name,omitempty"`
	Status             string                 `json:"status"` // "initiated", "in_progress", "completed", "failed", "cancelled"
	StartedAt          int64                  `json:"started_at"`
	UpdatedAt          int64                  `json:"updated_at"`
	CompletedAt        int64                  `json:"completed_at,omitempty"`
	DurationMs         int64                  `json:"duration_ms,omitempty"`
	CallbackReceived   bool                   `json:"callback_received"`
	CallbackTimestamp  int64                  `json:"callback_timestamp,omitempty"`
	NotificationTarget string                 `json:"notification_target,omitempty"`
	ResponseData       map[string]interface{} `json:"response_data,omitempty"`
	ErrorDetails       string                 `json:"error_details,omitempty"`
}

// CallbackEvent is one received callback. Callbacks are append-only and form
// the audit trail for a WorkflowExecution; one correlation ID may accumulate
// many of them.
type CallbackEvent struct {
	Seq             uint64                 `json:"seq,omitempty"`
	CorrelationID   string                 `json:"correlation_id"`
	WorkflowID      string                 `json:"workflow_id,omitempty"`
	AgentID         string                 `json:"agent_id,omitempty"`
	ExecutionStatus string                 `json:"execution_status"`
	CallbackData    map[string]interface{} `json:"callback_data,omitempty"`
	ReceivedAt      int64                  `json:"received_at"`
	SignatureValid  bool                   `json:"signature_valid"`
}

// AgentStatusInfo is one status record per (workflow, agent) pair.
type AgentStatusInfo struct {
	WorkflowID         string  `json:"workflow_id"`
	AgentID            string  `json:"agent_id"`
	AgentName          string  `json:"agent_name"`
	Status             string  `json:"status"` // "idle", "starting", "running", "completed", "failed", "timeout", "retrying"
	ExecutionStart     int64   `json:"execution_start,omitempty"`
	ExecutionEnd       int64   `json:"execution_end,omitempty"`
	ExecutionTimeMs    int64   `json:"execution_time_ms,omitempty"`
	ErrorMessage       string  `json:"error_message,omitempty"`
	RetryCount         int     `json:"retry_count"`
	ProgressPercentage float64 `json:"progress_percentage,omitempty"`
	UpdatedAt          int64   `json:"updated_at"`
}

// WorkflowProgress aggregates the agent records belonging to one workflow.
type WorkflowProgress struct {
	WorkflowID          string            `json:"workflow_id"`
	WorkflowName        string            `json:"workflow_name"`
	Status              string            `json:"status"` // "triggered", "running", "completed", "failed"
	AgentsTotal         int               `json:"agents_total"`
	AgentsCompleted     int               `json:"agents_completed"`
	AgentsFailed        int               `json:"agents_failed"`
	StartedAt           int64             `json:"started_at"`
	EstimatedCompletion int64             `json:"estimated_completion,omitempty"`
	Agents              []AgentStatusInfo `json:"agents"`
}

// AgentConfig is the static configuration for a known agent type. The timeout
// threshold arms the per-agent watchdog; the runtime estimate only feeds
// completion estimates.
type AgentConfig struct {
	ID                 string `json:"id" yaml:"id"`
	Name               string `json:"name" yaml:"name"`
	EstimatedRuntimeMs int64  `json:"estimated_runtime_ms" yaml:"estimated_runtime_ms"`
	TimeoutThresholdMs int64  `json:"timeout_threshold_ms" yaml:"timeout_threshold_ms"`
}
