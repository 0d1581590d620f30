package adaptivesense

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ghalamif/adaptivesense/internal/agent"
	"github.com/ghalamif/adaptivesense/internal/agents/acceleration"
	"github.com/ghalamif/adaptivesense/internal/agents/threshold"
)

// ErrUnknownAgent is returned when a configuration names an agent type that
// has not been registered.
var ErrUnknownAgent = errors.New("adaptivesense: unknown agent type")

// AgentFactory builds a SensingAgent from the agent section of the config.
type AgentFactory func(cfg AgentConfig) (SensingAgent, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]AgentFactory{
		acceleration.Name: func(AgentConfig) (SensingAgent, error) {
			return acceleration.New(), nil
		},
		"threshold": func(cfg AgentConfig) (SensingAgent, error) {
			if cfg.Threshold.Kind == "" {
				return nil, fmt.Errorf("threshold agent: kind is required")
			}
			return threshold.New(cfg.Threshold.Kind, cfg.Threshold.ValueKey), nil
		},
	}
)

// RegisterAgent makes a custom agent type selectable by name. Registering
// an existing name replaces it.
func RegisterAgent(name string, factory AgentFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// NewSensingAgent builds the agent named by cfg.Type.
func NewSensingAgent(cfg AgentConfig) (SensingAgent, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, cfg.Type)
	}
	return factory(cfg)
}

// AgentTypes lists the registered agent names.
func AgentTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PolicyOptions lists every option the configured agent accepts, framework
// options included.
func PolicyOptions(cfg AgentConfig) ([]OptionSpec, error) {
	impl, err := NewSensingAgent(cfg)
	if err != nil {
		return nil, err
	}
	a, err := agent.New(impl)
	if err != nil {
		return nil, err
	}
	return a.PolicyOptions(), nil
}

// ValidatePolicy checks a YAML or JSON policy document against the
// configured agent without running it and returns the normalized snapshot.
func ValidatePolicy(cfg AgentConfig, raw []byte) (*Policy, error) {
	impl, err := NewSensingAgent(cfg)
	if err != nil {
		return nil, err
	}
	a, err := agent.New(impl)
	if err != nil {
		return nil, err
	}
	return a.ApplyPolicyBytes(raw)
}
