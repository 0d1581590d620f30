package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghalamif/adaptivesense/internal/clock"
	"github.com/ghalamif/adaptivesense/internal/domain"
	"github.com/ghalamif/adaptivesense/internal/ports"
)

var (
	ErrNotStarted = errors.New("push: source not started")
	ErrSourceFull = errors.New("push: source buffer full")
	// ErrThrottled means the reading arrived faster than the max rate.
	ErrThrottled = errors.New("push: reading above max rate")
)

type Config struct {
	Name  string        `yaml:"name"`
	Kinds []domain.Kind `yaml:"kinds"`
	// MaxRate bounds readings per second per kind; 0 accepts everything.
	MaxRate float64 `yaml:"max_rate"`
	// OnFull is "block" or "drop".
	OnFull        string        `yaml:"on_full"`
	BlockDeadline time.Duration `yaml:"block_deadline"`
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "push"
	}
	if c.OnFull == "" {
		c.OnFull = "block"
	}
}

func (c *Config) validate() error {
	if c.MaxRate < 0 {
		return fmt.Errorf("push: max_rate must be >= 0")
	}
	switch c.OnFull {
	case "block", "drop":
		return nil
	default:
		return fmt.Errorf("push: on_full must be block or drop, got %q", c.OnFull)
	}
}

// Source lets code outside the runtime publish observations, for example a
// platform sensor callback or an HTTP handler. Its rate limit is the
// RateController surface: readings of one kind closer together than
// 1/MaxRate are refused.
type Source struct {
	cfg   Config
	clock clock.Clock

	mu      sync.Mutex
	out     chan<- domain.Observation
	stopCh  chan struct{}
	rate    float64
	active  float64
	last    map[domain.Kind]time.Time
	seq     map[domain.Kind]uint64
	dropped uint64
}

var (
	_ ports.ObservationSource = (*Source)(nil)
	_ ports.RateController    = (*Source)(nil)
)

func NewSource(cfg Config, clk clock.Clock) (*Source, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Source{
		cfg:    cfg,
		clock:  clk,
		rate:   cfg.MaxRate,
		active: cfg.MaxRate,
		last:   make(map[domain.Kind]time.Time),
		seq:    make(map[domain.Kind]uint64),
	}, nil
}

func (s *Source) Name() string { return s.cfg.Name }

func (s *Source) Kinds() []domain.Kind { return append([]domain.Kind(nil), s.cfg.Kinds...) }

func (s *Source) Start(out chan<- domain.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out != nil {
		return fmt.Errorf("push source %s already started", s.cfg.Name)
	}
	s.out = out
	s.stopCh = make(chan struct{})
	return nil
}

func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return nil
	}
	close(s.stopCh)
	s.out = nil
	return nil
}

// MaxRate reports the configured limit, which Restart makes active.
func (s *Source) MaxRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

func (s *Source) SetMaxRate(_ context.Context, perSecond float64) error {
	if perSecond < 0 {
		return fmt.Errorf("push: negative rate %v", perSecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = perSecond
	return nil
}

func (s *Source) Restart(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = s.rate
	s.last = make(map[domain.Kind]time.Time)
	return nil
}

// Dropped counts readings refused for backpressure or rate.
func (s *Source) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Publish hands obs to the runtime. A zero timestamp is stamped with the
// source clock; Kind must be set.
func (s *Source) Publish(ctx context.Context, obs domain.Observation) error {
	if obs.Kind == "" {
		return errors.New("push: observation kind is required")
	}

	s.mu.Lock()
	out, stop := s.out, s.stopCh
	if out == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = s.clock.Now()
	}
	if s.active > 0 {
		minGap := time.Duration(float64(time.Second) / s.active)
		if last, ok := s.last[obs.Kind]; ok && obs.Timestamp.Sub(last) < minGap {
			s.dropped++
			s.mu.Unlock()
			return ErrThrottled
		}
	}
	s.last[obs.Kind] = obs.Timestamp
	s.seq[obs.Kind]++
	obs.Seq = s.seq[obs.Kind]
	obs.Source = s.cfg.Name
	s.mu.Unlock()

	if s.cfg.OnFull == "drop" {
		select {
		case out <- obs:
			return nil
		default:
			s.countDrop()
			return ErrSourceFull
		}
	}

	if s.cfg.BlockDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.BlockDeadline)
		defer cancel()
	}
	select {
	case out <- obs:
		return nil
	case <-stop:
		return ErrNotStarted
	case <-ctx.Done():
		s.countDrop()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrSourceFull
		}
		return ctx.Err()
	}
}

func (s *Source) countDrop() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}
