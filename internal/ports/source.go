package ports

import "github.com/ghalamif/adaptivesense/internal/domain"

// ObservationSource streams readings of one or more kinds into the agent.
// Start must not block; readings are delivered on out until Stop returns.
type ObservationSource interface {
	Name() string
	Kinds() []domain.Kind
	Start(out chan<- domain.Observation) error
	Stop() error
}
