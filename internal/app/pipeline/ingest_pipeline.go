package pipeline

import (
	"context"
	"errors"

	"github.com/ghalamif/adaptivesense/internal/agent"
	"github.com/ghalamif/adaptivesense/internal/domain"
	"github.com/ghalamif/adaptivesense/internal/ports"
)

// Consumer receives observations after transformation. *agent.Agent
// satisfies it.
type Consumer interface {
	OnNewData(obs domain.Observation) error
}

// RunIngestPipeline starts src and forwards every reading through tr into
// dst until ctx is cancelled or dst reports that it stopped. The source is
// stopped before returning.
func RunIngestPipeline(ctx context.Context, src ports.ObservationSource, tr ports.Transformer, dst Consumer, pol ports.Backpressure, obs ports.Observability) error {
	buffer := pol.SourceBuffer
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan domain.Observation, buffer)
	if err := src.Start(ch); err != nil {
		return err
	}
	obs.LogInfo("ingest_started", ports.Field{Key: "source", Value: src.Name()})

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case o := <-ch:
			if tr != nil {
				var err error
				o, err = tr.Transform(o)
				if err != nil {
					obs.LogError("transform_failed", err,
						ports.Field{Key: "source", Value: src.Name()},
						ports.Field{Key: "kind", Value: string(o.Kind)})
					obs.IncCounter("sense_observations_dropped_total", 1)
					continue
				}
			}
			if err := dst.OnNewData(o); err != nil {
				if errors.Is(err, agent.ErrAgentStopped) {
					break loop
				}
				obs.LogError("observation_rejected", err, ports.Field{Key: "source", Value: src.Name()})
				obs.IncCounter("sense_observations_dropped_total", 1)
				continue
			}
		}
	}

	if err := src.Stop(); err != nil {
		runErr = err
		obs.LogError("source_stop_failed", err, ports.Field{Key: "source", Value: src.Name()})
	}
	obs.LogInfo("ingest_stopped", ports.Field{Key: "source", Value: src.Name()})
	return runErr
}

// Identity passes observations through unchanged.
type Identity struct{}

func (Identity) Transform(o domain.Observation) (domain.Observation, error) { return o, nil }

// Scale multiplies selected value keys of one kind, for example to convert
// raw accelerometer counts into g.
type Scale struct {
	Kind    domain.Kind
	Factors map[string]float64
}

func (s Scale) Transform(o domain.Observation) (domain.Observation, error) {
	if o.Kind != s.Kind || len(s.Factors) == 0 {
		return o, nil
	}
	values := make(map[string]float64, len(o.Values))
	for k, v := range o.Values {
		if f, ok := s.Factors[k]; ok {
			v *= f
		}
		values[k] = v
	}
	o.Values = values
	return o, nil
}

var (
	_ ports.Transformer = Identity{}
	_ ports.Transformer = Scale{}
)
