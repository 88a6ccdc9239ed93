// Package agentmonitor coordinates asynchronous work performed by external
// autonomous agents that report progress through out-of-band callbacks. It
// ties together the workflow execution registry, the agent status state
// machine and the resilience layer behind a single explicitly constructed
// Monitor; the single-instance requirement (one tracker per process) is a
// deployment concern, not a singleton pattern.
package agentmonitor

import (
	"context"
	"errors"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/agentops/agent-monitor/config"
	"github.com/agentops/agent-monitor/events"
	"github.com/agentops/agent-monitor/notify"
	"github.com/agentops/agent-monitor/registry"
	"github.com/agentops/agent-monitor/resilience"
	"github.com/agentops/agent-monitor/rules"
	"github.com/agentops/agent-monitor/slogger"
	"github.com/agentops/agent-monitor/storage"
	"github.com/agentops/agent-monitor/tracker"
	"github.com/agentops/agent-monitor/types"
)

// Options configures a Monitor. Generator and Agents are required; everything
// else has a working default.
type Options struct {
	Generator  generator.Generator
	Agents     *config.AgentRegistry
	Storage    storage.Storage
	Logger     slogger.Logger
	Evaluator  rules.Evaluator
	Dispatcher notify.Dispatcher
	Resilience *resilience.ErrorHandler
}

// Monitor is the process-scoped monitoring core. Construct one per process
// and hand it to the callback ingestion layer.
type Monitor struct {
	Registry   *registry.Registry
	Tracker    *tracker.Tracker
	Bus        *events.EventBus
	Resilience *resilience.ErrorHandler

	store  storage.Storage
	logger slogger.Logger
}

// New wires up a Monitor from the given options.
func New(opts Options) (*Monitor, error) {
	if opts.Generator == nil {
		return nil, errors.New("generator is required")
	}
	if opts.Agents == nil {
		return nil, errors.New("agent registry is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	store := opts.Storage
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	evaluator := opts.Evaluator
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}
	res := opts.Resilience
	if res == nil {
		res = resilience.NewErrorHandler(logger, resilience.WithEvaluator(evaluator))
	}

	bus := events.NewEventBus()

	publishState := func(name, from, to string) {
		_ = bus.Publish(context.Background(), events.Event{
			Type: events.EventCircuitStateChanged,
			Data: map[string]interface{}{"breaker": name, "from": from, "to": to},
		})
	}
	res.DatastoreBreaker().OnStateChange(publishState)
	res.NotificationBreaker().OnStateChange(publishState)

	reg, err := registry.New(opts.Generator, store, res, bus, logger)
	if err != nil {
		bus.Stop()
		return nil, err
	}
	trk, err := tracker.New(opts.Agents, store, res, bus, logger)
	if err != nil {
		bus.Stop()
		return nil, err
	}

	if opts.Dispatcher != nil {
		notifier, err := notify.NewNotifier(opts.Dispatcher, res, logger)
		if err != nil {
			bus.Stop()
			return nil, err
		}
		notifier.Attach(bus)
	}

	return &Monitor{
		Registry:   reg,
		Tracker:    trk,
		Bus:        bus,
		Resilience: res,
		store:      store,
		logger:     logger,
	}, nil
}

// HandleCallback is the single inbound entry point. The ingestion layer
// delivers validated, deduplicated callbacks here in arrival order; each one
// updates the execution registry and, when it identifies an agent, the agent
// status state machine.
func (m *Monitor) HandleCallback(ctx context.Context, event types.CallbackEvent) error {
	if err := m.Registry.RecordCallback(ctx, event); err != nil {
		return err
	}
	if event.WorkflowID == "" || event.AgentID == "" {
		return nil
	}
	return m.Tracker.UpdateAgentStatus(ctx, event.WorkflowID, event.AgentID,
		mapAgentStatus(event.ExecutionStatus), event.CallbackData)
}

// Health reports healthy/degraded/unhealthy per protected resource class.
func (m *Monitor) Health() map[string]string {
	return m.Resilience.Health()
}

// Stats summarizes executions within the trailing window.
func (m *Monitor) Stats(ctx context.Context, window time.Duration) (registry.Stats, error) {
	return m.Registry.GetStats(ctx, window)
}

// Cleanup removes terminal executions older than the retention cutoff.
func (m *Monitor) Cleanup(ctx context.Context, olderThan time.Duration) int {
	return m.Registry.Cleanup(ctx, olderThan)
}

// Stop cancels pending watchdogs, shuts down the event bus and closes the
// storage mirror.
func (m *Monitor) Stop() {
	m.Tracker.Stop()
	m.Bus.Stop()
	if err := m.store.Close(); err != nil {
		m.logger.Warn("failed to close storage mirror", "error", err)
	}
}

// mapAgentStatus maps an agent-reported execution status onto the agent
// status vocabulary. Unknown statuses count as progress.
func mapAgentStatus(reported string) string {
	switch reported {
	case types.AgentCompleted, types.AgentFailed, types.AgentTimeout,
		types.AgentRetrying, types.AgentStarting, types.AgentRunning:
		return reported
	default:
		return types.AgentRunning
	}
}
