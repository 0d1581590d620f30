// Package simulator generates synthetic accelerometer and proximity
// readings from a scripted motion profile. It stands in for device sensors
// in the CLI and in end-to-end tests.
package simulator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ghalamif/adaptivesense/internal/clock"
	"github.com/ghalamif/adaptivesense/internal/domain"
	"github.com/ghalamif/adaptivesense/internal/ports"
)

// Phase is one segment of the motion profile.
type Phase struct {
	Duration  time.Duration `yaml:"duration"`
	Magnitude float64       `yaml:"magnitude"`
	Near      bool          `yaml:"near"`
}

type Config struct {
	Name string `yaml:"name"`
	// Rate is the initial accelerometer rate in samples per second.
	Rate              float64       `yaml:"rate"`
	ProximityInterval time.Duration `yaml:"proximity_interval"`
	Profile           []Phase       `yaml:"profile"`
	Loop              bool          `yaml:"loop"`
}

func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "simulator"
	}
	if c.Rate <= 0 {
		c.Rate = 5
	}
	if c.ProximityInterval <= 0 {
		c.ProximityInterval = time.Second
	}
	if len(c.Profile) == 0 {
		c.Profile = []Phase{
			{Duration: 30 * time.Second, Magnitude: 0.02},
			{Duration: 15 * time.Second, Magnitude: 0.3},
			{Duration: 10 * time.Second, Magnitude: 0.02, Near: true},
		}
		c.Loop = true
	}
}

// Source emits readings on its own clock. The accelerometer rate is the
// RateController surface; proximity readings keep a fixed interval.
type Source struct {
	cfg   Config
	clock clock.Clock

	runMu sync.Mutex

	mu      sync.Mutex
	rate    float64
	started time.Time
	stop    chan struct{}
	done    chan struct{}
	reset   chan time.Duration
	seq     map[domain.Kind]uint64
}

var (
	_ ports.ObservationSource = (*Source)(nil)
	_ ports.RateController    = (*Source)(nil)
)

func New(cfg Config, clk clock.Clock) *Source {
	cfg.ApplyDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	return &Source{
		cfg:   cfg,
		clock: clk,
		rate:  cfg.Rate,
		seq:   make(map[domain.Kind]uint64),
	}
}

func (s *Source) Name() string { return s.cfg.Name }

func (s *Source) Kinds() []domain.Kind {
	return []domain.Kind{domain.KindAcceleration, domain.KindProximity}
}

func (s *Source) Start(out chan<- domain.Observation) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return fmt.Errorf("simulator %s already started", s.cfg.Name)
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.reset = make(chan time.Duration, 1)
	s.started = s.clock.Now()
	interval := rateInterval(s.rate)
	stop, done, reset := s.stop, s.done, s.reset
	s.mu.Unlock()

	accel := s.clock.NewTicker(interval)
	prox := s.clock.NewTicker(s.cfg.ProximityInterval)
	go s.run(out, accel, prox, stop, done, reset)
	return nil
}

func (s *Source) Stop() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done, s.reset = nil, nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (s *Source) MaxRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

func (s *Source) SetMaxRate(_ context.Context, perSecond float64) error {
	if perSecond < 0 {
		return fmt.Errorf("simulator: negative rate %v", perSecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if perSecond == 0 {
		perSecond = s.cfg.Rate
	}
	s.rate = perSecond
	return nil
}

// Restart applies the current rate to the running accelerometer ticker.
func (s *Source) Restart(ctx context.Context) error {
	s.mu.Lock()
	reset := s.reset
	interval := rateInterval(s.rate)
	s.mu.Unlock()
	if reset == nil {
		return nil
	}
	// Keep only the newest pending interval.
	select {
	case <-reset:
	default:
	}
	select {
	case reset <- interval:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Source) run(out chan<- domain.Observation, accel, prox *clock.Ticker, stop, done chan struct{}, reset chan time.Duration) {
	defer close(done)
	defer accel.Stop()
	defer prox.Stop()

	emit := func(obs domain.Observation) bool {
		select {
		case out <- obs:
			return true
		case <-stop:
			return false
		}
	}

	for {
		select {
		case <-stop:
			return
		case d := <-reset:
			accel.Reset(d)
		case now := <-accel.C:
			if !emit(s.accelAt(now)) {
				return
			}
		case now := <-prox.C:
			if !emit(s.proximityAt(now)) {
				return
			}
		}
	}
}

// PhaseAt returns the profile phase active at elapsed time since start.
func (s *Source) PhaseAt(elapsed time.Duration) Phase {
	var total time.Duration
	for _, p := range s.cfg.Profile {
		total += p.Duration
	}
	if total <= 0 {
		return Phase{}
	}
	if s.cfg.Loop {
		elapsed %= total
	} else if elapsed >= total {
		return s.cfg.Profile[len(s.cfg.Profile)-1]
	}
	for _, p := range s.cfg.Profile {
		if elapsed < p.Duration {
			return p
		}
		elapsed -= p.Duration
	}
	return s.cfg.Profile[len(s.cfg.Profile)-1]
}

func (s *Source) accelAt(now time.Time) domain.Observation {
	s.mu.Lock()
	elapsed := now.Sub(s.started)
	s.mu.Unlock()
	mag := s.PhaseAt(elapsed).Magnitude

	// Rotate the vector so axes vary while the magnitude stays exact.
	theta := elapsed.Seconds()
	return domain.Observation{
		Kind:      domain.KindAcceleration,
		Timestamp: now,
		Seq:       s.nextSeq(domain.KindAcceleration),
		Values: map[string]float64{
			"x": mag * math.Cos(theta),
			"y": mag * math.Sin(theta),
			"z": 0,
		},
		Source: s.cfg.Name,
	}
}

func (s *Source) proximityAt(now time.Time) domain.Observation {
	s.mu.Lock()
	elapsed := now.Sub(s.started)
	s.mu.Unlock()
	distance := 5.0
	if s.PhaseAt(elapsed).Near {
		distance = 0
	}
	return domain.Observation{
		Kind:      domain.KindProximity,
		Timestamp: now,
		Seq:       s.nextSeq(domain.KindProximity),
		Values:    map[string]float64{"distance": distance, "max_distance": 5},
		Source:    s.cfg.Name,
	}
}

func (s *Source) nextSeq(kind domain.Kind) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[kind]++
	return s.seq[kind]
}

func rateInterval(perSecond float64) time.Duration {
	if perSecond <= 0 {
		return time.Second
	}
	d := time.Duration(float64(time.Second) / perSecond)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
