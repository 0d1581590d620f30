package agent

import (
	"errors"
	"fmt"

	"github.com/ghalamif/adaptivesense/internal/domain"
)

// ErrAgentStopped is returned by hooks invoked after OnProtocolStop.
var ErrAgentStopped = errors.New("agent: stopped")

// ConfigurationError rejects a policy document. The previously applied
// policy stays in effect.
type ConfigurationError struct {
	Key    string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "policy"
	if e.Key != "" {
		msg += " option " + e.Key
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ResourceAcquisitionError reports a wake lock or rate override that could
// not be obtained. It aborts the session, never the agent.
type ResourceAcquisitionError struct {
	Resource string
	Err      error
}

func (e *ResourceAcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Resource, e.Err)
}

func (e *ResourceAcquisitionError) Unwrap() error { return e.Err }

// EvaluationError wraps a criterion evaluation fault. The cycle counts as
// "criterion not met".
type EvaluationError struct {
	Agent string
	Kind  domain.Kind
	Err   error
}

func (e *EvaluationError) Error() string {
	scope := "aggregate"
	if e.Kind != "" {
		scope = string(e.Kind)
	}
	return fmt.Sprintf("agent %s: evaluate %s criterion: %v", e.Agent, scope, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// recovered turns a recovered panic value into an error.
func recovered(v any) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", v)
}
