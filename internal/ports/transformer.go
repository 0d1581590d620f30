package ports

import "github.com/ghalamif/adaptivesense/internal/domain"

// Transformer calibrates or filters observations before they reach the agent.
type Transformer interface {
	Transform(domain.Observation) (domain.Observation, error)
}
