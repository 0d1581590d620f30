// Package threshold implements a generic single-kind agent: control starts
// when the mean of one reading over the buffered window crosses a bound.
package threshold

import (
	"context"

	"github.com/ghalamif/adaptivesense/internal/agent"
	"github.com/ghalamif/adaptivesense/internal/domain"
)

const (
	OptThreshold   = "threshold"
	OptControlRate = "control-rate"
	OptMinSamples  = "min-samples"
)

type Agent struct {
	agent.Base
	kind     domain.Kind
	valueKey string
}

var _ agent.SensingAgent = (*Agent)(nil)

// New watches the valueKey reading of kind observations.
func New(kind domain.Kind, valueKey string) *Agent {
	return &Agent{kind: kind, valueKey: valueKey}
}

func (a *Agent) Name() string { return "threshold:" + string(a.kind) }

func (a *Agent) PolicyOptions() []agent.OptionSpec {
	return []agent.OptionSpec{
		{Key: OptThreshold, Kind: agent.OptionFloat, Required: true,
			Usage: "mean reading above which control starts"},
		{Key: OptControlRate, Kind: agent.OptionFloat, Default: 0.0, Min: agent.Bound(0),
			Usage: "samples per second while under control; 0 leaves the rate alone"},
		{Key: OptMinSamples, Kind: agent.OptionInt, Default: 1, Min: agent.Bound(1),
			Usage: "readings needed before the criterion can hold"},
	}
}

func (a *Agent) MeetsControlCriterion(snap agent.Snapshot, restrictTo domain.Kind, pol *agent.Policy) (bool, error) {
	if restrictTo != "" && restrictTo != a.kind {
		return false, nil
	}
	part := snap.Of(a.kind)
	var (
		sum float64
		n   int64
	)
	for _, o := range part {
		if v, ok := o.Value(a.valueKey); ok {
			sum += v
			n++
		}
	}
	if n == 0 || n < pol.Int(OptMinSamples) {
		return false, nil
	}
	return sum/float64(n) > pol.Float(OptThreshold), nil
}

func (a *Agent) OnOpportunisticEntry(ctx context.Context, s *agent.Scope) error {
	return a.elevate(ctx, s)
}

func (a *Agent) OnActiveEntry(ctx context.Context, s *agent.Scope) error {
	return a.elevate(ctx, s)
}

func (a *Agent) elevate(ctx context.Context, s *agent.Scope) error {
	rate := s.Policy.Float(OptControlRate)
	if rate <= 0 {
		return nil
	}
	return s.OverrideRate(ctx, a.kind, rate)
}
