package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentops/agent-monitor/types"
)

// Defaults applied to agent entries that omit them.
const (
	DefaultEstimatedRuntimeMs = 120_000
	DefaultTimeoutThresholdMs = 300_000
)

// AgentRegistry is the static set of known agent types. It is immutable after
// load; changing the configuration does not retroactively affect in-flight
// workflows, because watchdog thresholds are captured at initialization.
type AgentRegistry struct {
	agents map[string]types.AgentConfig
	order  []string
}

type registryFile struct {
	Agents []types.AgentConfig `yaml:"agents"`
}

// Load reads an agent registry from a YAML file.
func Load(path string) (*AgentRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent registry: %w", err)
	}
	return Parse(data)
}

// Parse builds an agent registry from YAML bytes.
func Parse(data []byte) (*AgentRegistry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse agent registry: %w", err)
	}
	return NewAgentRegistry(file.Agents)
}

// NewAgentRegistry builds a registry from a list of agent configurations,
// applying defaults and validating entries.
func NewAgentRegistry(agents []types.AgentConfig) (*AgentRegistry, error) {
	if len(agents) == 0 {
		return nil, errors.New("agent registry must have at least one agent")
	}

	r := &AgentRegistry{agents: make(map[string]types.AgentConfig, len(agents))}
	for _, agent := range agents {
		if agent.ID == "" {
			return nil, errors.New("agent ID cannot be empty")
		}
		if _, ok := r.agents[agent.ID]; ok {
			return nil, fmt.Errorf("duplicate agent ID %q in registry", agent.ID)
		}
		if agent.EstimatedRuntimeMs < 0 || agent.TimeoutThresholdMs < 0 {
			return nil, fmt.Errorf("agent %q has a negative threshold", agent.ID)
		}
		if agent.Name == "" {
			agent.Name = agent.ID
		}
		if agent.EstimatedRuntimeMs == 0 {
			agent.EstimatedRuntimeMs = DefaultEstimatedRuntimeMs
		}
		if agent.TimeoutThresholdMs == 0 {
			agent.TimeoutThresholdMs = DefaultTimeoutThresholdMs
		}
		r.agents[agent.ID] = agent
		r.order = append(r.order, agent.ID)
	}
	return r, nil
}

// Get returns the configuration for a known agent ID.
func (r *AgentRegistry) Get(id string) (types.AgentConfig, bool) {
	agent, ok := r.agents[id]
	return agent, ok
}

// All returns all known agents in declaration order.
func (r *AgentRegistry) All() []types.AgentConfig {
	out := make([]types.AgentConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// Len returns the number of known agents.
func (r *AgentRegistry) Len() int {
	return len(r.agents)
}
