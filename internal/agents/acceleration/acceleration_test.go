package acceleration

import (
	"context"
	"testing"
	"time"

	"github.com/ghalamif/adaptivesense/internal/agent"
	"github.com/ghalamif/adaptivesense/internal/clock"
	"github.com/ghalamif/adaptivesense/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fixedRate struct{ rate float64 }

func (r *fixedRate) MaxRate() float64 { return r.rate }
func (r *fixedRate) SetMaxRate(_ context.Context, v float64) error {
	r.rate = v
	return nil
}
func (r *fixedRate) Restart(context.Context) error { return nil }

func accel(at time.Time, x, y, z float64) domain.Observation {
	return domain.Observation{Kind: domain.KindAcceleration, Timestamp: at,
		Values: map[string]float64{"x": x, "y": y, "z": z}}
}

func newAgent(t *testing.T) (*agent.Agent, *clock.FakeClock, *fixedRate) {
	t.Helper()
	clk := clock.NewFake(t0)
	a, err := agent.New(New(), agent.WithClock(clk))
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	rate := &fixedRate{rate: 10}
	a.RegisterRateController(domain.KindAcceleration, "imu", rate)
	if _, err := a.ApplyPolicy(agent.Document{OptALMThreshold: 0.1, OptControlAccRate: 60}); err != nil {
		t.Fatalf("ApplyPolicy: %v", err)
	}
	return a, clk, rate
}

func TestALM(t *testing.T) {
	obs := []domain.Observation{
		accel(t0, 3, 4, 0),
		accel(t0, 0, 0, 1),
	}
	if got := ALM(obs); got != 3 {
		t.Fatalf("ALM = %v, want 3", got)
	}
	if ALM(nil) != 0 {
		t.Fatalf("empty window should have zero ALM")
	}
}

func TestNearSurface(t *testing.T) {
	prox := func(values map[string]float64) agent.Snapshot {
		return agent.Snapshot{domain.KindProximity: {{Kind: domain.KindProximity, Values: values}}}
	}
	cases := []struct {
		name   string
		snap   agent.Snapshot
		near   float64
		expect bool
	}{
		{"no reading", agent.Snapshot{}, 0, false},
		{"touching", prox(map[string]float64{"distance": 0}), 0, true},
		{"far", prox(map[string]float64{"distance": 5}), 0, false},
		{"within configured distance", prox(map[string]float64{"distance": 2}), 3, true},
		{"binary sensor near", prox(map[string]float64{"distance": 0, "max_distance": 5}), 0, true},
		{"binary sensor far", prox(map[string]float64{"distance": 5, "max_distance": 5}), 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NearSurface(tc.snap, tc.near); got != tc.expect {
				t.Fatalf("NearSurface = %v, want %v", got, tc.expect)
			}
		})
	}
}

func TestCriterionRestrictedByKind(t *testing.T) {
	a, _, _ := newAgent(t)
	pol := a.Policy()
	impl := New()

	snap := agent.Snapshot{
		domain.KindAcceleration: {accel(t0, 0.05, 0, 0)},
		domain.KindProximity:    {{Kind: domain.KindProximity, Values: map[string]float64{"distance": 0}}},
	}
	for kind, want := range map[domain.Kind]bool{
		"":                      true,
		domain.KindProximity:    true,
		domain.KindAcceleration: false,
		domain.KindLocation:     false,
	} {
		got, err := impl.MeetsControlCriterion(snap, kind, pol)
		if err != nil || got != want {
			t.Fatalf("criterion(%q) = %v, %v; want %v", kind, got, err, want)
		}
	}
}

func TestActiveControlRaisesAccelerometerRate(t *testing.T) {
	a, clk, rate := newAgent(t)
	for i := 0; i < 10; i++ {
		a.OnNewData(accel(clk.Now(), 0.2, 0, 0))
	}
	a.OnPeriodicTick()
	if a.State() != domain.StateUnderControl || rate.rate != 60 {
		t.Fatalf("state=%s rate=%v", a.State(), rate.rate)
	}
	clk.Advance(10 * time.Second)
	if a.State() != domain.StateIdle || rate.rate != 10 {
		t.Fatalf("state=%s rate=%v after deadline", a.State(), rate.rate)
	}
}

func TestUpdateBufferTrimsToObservationWindow(t *testing.T) {
	a, clk, _ := newAgent(t)
	a.OnNewData(accel(clk.Now(), 1, 0, 0))
	clk.Advance(30 * time.Second)
	a.OnNewData(accel(clk.Now(), 0, 0, 0))

	part := a.Snapshot(domain.KindAcceleration).Of(domain.KindAcceleration)
	if len(part) != 1 {
		t.Fatalf("expected readings older than the window to be trimmed, got %d", len(part))
	}
}
