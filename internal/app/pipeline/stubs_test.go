package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/ghalamif/adaptivesense/internal/domain"
	"github.com/ghalamif/adaptivesense/internal/ports"
)

type mockObs struct {
	mu       sync.Mutex
	errors   []string
	counters map[string]float64
	gauges   map[string]float64
}

func (m *mockObs) LogInfo(string, ...ports.Field) {}
func (m *mockObs) LogError(msg string, _ error, _ ...ports.Field) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, msg)
}
func (m *mockObs) LogCritical(msg string, err error, f ...ports.Field) { m.LogError(msg, err, f...) }
func (m *mockObs) IncCounter(name string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = map[string]float64{}
	}
	m.counters[name] += v
}
func (m *mockObs) ObserveLatency(string, float64) {}
func (m *mockObs) SetGauge(name string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges == nil {
		m.gauges = map[string]float64{}
	}
	m.gauges[name] = v
}

func (m *mockObs) counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

func (m *mockObs) logged(msg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.errors {
		if e == msg {
			return true
		}
	}
	return false
}

type chanSource struct {
	mu      sync.Mutex
	out     chan<- domain.Observation
	started chan struct{}
	stopped bool
}

func newChanSource() *chanSource { return &chanSource{started: make(chan struct{})} }

func (s *chanSource) Name() string         { return "test" }
func (s *chanSource) Kinds() []domain.Kind { return []domain.Kind{domain.KindAcceleration} }
func (s *chanSource) Start(out chan<- domain.Observation) error {
	s.mu.Lock()
	s.out = out
	s.mu.Unlock()
	close(s.started)
	return nil
}
func (s *chanSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}
func (s *chanSource) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
func (s *chanSource) send(o domain.Observation) {
	<-s.started
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	out <- o
}

type consumer struct {
	mu   sync.Mutex
	got  []domain.Observation
	err  error
	seen chan struct{}
}

func newConsumer() *consumer { return &consumer{seen: make(chan struct{}, 64)} }

func (c *consumer) OnNewData(o domain.Observation) error {
	c.mu.Lock()
	err := c.err
	if err == nil {
		c.got = append(c.got, o)
	}
	c.mu.Unlock()
	c.seen <- struct{}{}
	return err
}

func (c *consumer) observations() []domain.Observation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Observation(nil), c.got...)
}

type failingTransformer struct{}

func (failingTransformer) Transform(o domain.Observation) (domain.Observation, error) {
	return o, errors.New("calibration missing")
}

type mockRecorder struct {
	mu       sync.Mutex
	failures int
	batches  [][]domain.SessionRecord
}

func (r *mockRecorder) Name() string { return "mock" }
func (r *mockRecorder) RecordSessions(_ context.Context, recs []domain.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("database unavailable")
	}
	r.batches = append(r.batches, append([]domain.SessionRecord(nil), recs...))
	return nil
}

func (r *mockRecorder) written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}
