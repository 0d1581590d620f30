// Package acceleration implements the motion agent: it elevates the
// accelerometer sampling rate while the device is moving or held near a
// surface.
package acceleration

import (
	"context"
	"math"

	"github.com/ghalamif/adaptivesense/internal/agent"
	"github.com/ghalamif/adaptivesense/internal/domain"
)

const (
	Name = "acceleration"

	OptALMThreshold   = "alm-threshold"
	OptControlAccRate = "control-acc-rate"
	OptNearDistance   = "near-distance"

	bufferCapacity = 100
)

// Agent evaluates the average linear magnitude (ALM) of buffered
// accelerometer readings and the latest proximity reading.
type Agent struct {
	agent.Base
}

var _ agent.SensingAgent = (*Agent)(nil)

func New() *Agent { return &Agent{} }

func (*Agent) Name() string { return Name }

func (*Agent) BufferCapacity() int { return bufferCapacity }

func (*Agent) PolicyOptions() []agent.OptionSpec {
	return []agent.OptionSpec{
		{Key: OptALMThreshold, Kind: agent.OptionFloat, Required: true, Default: 0.1, Min: agent.Bound(0),
			Usage: "average linear magnitude above which control starts"},
		{Key: OptControlAccRate, Kind: agent.OptionFloat, Required: true, Default: 60.0, Min: agent.Bound(0),
			Usage: "accelerometer samples per second while under control"},
		{Key: OptNearDistance, Kind: agent.OptionFloat, Default: 0.0, Min: agent.Bound(0),
			Usage: "proximity distance at or below which the device counts as near a surface"},
	}
}

// UpdateBuffer keeps only readings from the current observation window.
func (*Agent) UpdateBuffer(buf *agent.ObservationBuffer, obs domain.Observation, pol *agent.Policy) {
	buf.Ingest(obs)
	if w := pol.ObservationWindow(); w > 0 && !obs.Timestamp.IsZero() {
		buf.TrimBefore(obs.Kind, obs.Timestamp.Add(-w))
	}
}

func (*Agent) MeetsControlCriterion(snap agent.Snapshot, restrictTo domain.Kind, pol *agent.Policy) (bool, error) {
	switch restrictTo {
	case "":
		return NearSurface(snap, pol.Float(OptNearDistance)) ||
			ALM(snap.Of(domain.KindAcceleration)) > pol.Float(OptALMThreshold), nil
	case domain.KindProximity:
		return NearSurface(snap, pol.Float(OptNearDistance)), nil
	case domain.KindAcceleration:
		return ALM(snap.Of(domain.KindAcceleration)) > pol.Float(OptALMThreshold), nil
	default:
		return false, nil
	}
}

func (a *Agent) OnOpportunisticEntry(ctx context.Context, s *agent.Scope) error {
	return a.elevate(ctx, s)
}

func (a *Agent) OnActiveEntry(ctx context.Context, s *agent.Scope) error {
	return a.elevate(ctx, s)
}

func (*Agent) elevate(ctx context.Context, s *agent.Scope) error {
	return s.OverrideRate(ctx, domain.KindAcceleration, s.Policy.Float(OptControlAccRate))
}

// ALM is the mean Euclidean magnitude of x, y and z over obs. Readings
// missing an axis count that axis as zero.
func ALM(obs []domain.Observation) float64 {
	if len(obs) == 0 {
		return 0
	}
	var sum float64
	for _, o := range obs {
		x, _ := o.Value("x")
		y, _ := o.Value("y")
		z, _ := o.Value("z")
		sum += math.Sqrt(x*x + y*y + z*z)
	}
	return sum / float64(len(obs))
}

// NearSurface reports whether the latest proximity reading is within
// nearDistance. A reading carrying max_distance is near when below it,
// which matches sensors that only report near or far.
func NearSurface(snap agent.Snapshot, nearDistance float64) bool {
	obs, ok := snap.Latest(domain.KindProximity)
	if !ok {
		return false
	}
	d, ok := obs.Value("distance")
	if !ok {
		return false
	}
	if limit, ok := obs.Value("max_distance"); ok && limit > 0 {
		return d < limit
	}
	return d <= nearDistance
}
