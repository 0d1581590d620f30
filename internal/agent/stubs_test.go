package agent

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/ghalamif/adaptivesense/internal/clock"
	"github.com/ghalamif/adaptivesense/internal/domain"
	"github.com/ghalamif/adaptivesense/internal/ports"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubRate struct {
	mu       sync.Mutex
	rate     float64
	history  []float64
	restarts int
	failures []error // consumed by SetMaxRate, one per call
}

func (r *stubRate) MaxRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}

func (r *stubRate) SetMaxRate(_ context.Context, perSecond float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.failures) > 0 {
		err := r.failures[0]
		r.failures = r.failures[1:]
		if err != nil {
			return err
		}
	}
	r.rate = perSecond
	r.history = append(r.history, perSecond)
	return nil
}

func (r *stubRate) Restart(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarts++
	return nil
}

// gatedRate blocks its first SetMaxRate until release is closed.
type gatedRate struct {
	*stubRate
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedRate(rate float64) *gatedRate {
	return &gatedRate{
		stubRate: &stubRate{rate: rate},
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (g *gatedRate) SetMaxRate(ctx context.Context, perSecond float64) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.stubRate.SetMaxRate(ctx, perSecond)
}

func (r *stubRate) fail(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, errs...)
}

type stubWake struct {
	mu    sync.Mutex
	keeps int
	lets  int
	err   error
}

func (w *stubWake) KeepAwake(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.keeps++
	return nil
}

func (w *stubWake) LetSleep(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lets++
	return nil
}

func (w *stubWake) counts() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.keeps, w.lets
}

type stubDevice struct{ interactive bool }

func (d stubDevice) Interactive() bool { return d.interactive }

type event struct {
	msg    string
	err    error
	fields []ports.Field
}

type recordingObs struct {
	mu       sync.Mutex
	events   []event
	counters map[string]float64
	gauges   map[string]float64
}

func newRecordingObs() *recordingObs {
	return &recordingObs{counters: map[string]float64{}, gauges: map[string]float64{}}
}

func (o *recordingObs) add(msg string, err error, fields []ports.Field) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event{msg: msg, err: err, fields: fields})
}

func (o *recordingObs) LogInfo(msg string, f ...ports.Field)                { o.add(msg, nil, f) }
func (o *recordingObs) LogError(msg string, err error, f ...ports.Field)    { o.add(msg, err, f) }
func (o *recordingObs) LogCritical(msg string, err error, f ...ports.Field) { o.add(msg, err, f) }
func (o *recordingObs) ObserveLatency(string, float64)                      {}

func (o *recordingObs) IncCounter(name string, v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counters[name] += v
}

func (o *recordingObs) SetGauge(name string, v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gauges[name] = v
}

func (o *recordingObs) counter(name string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counters[name]
}

// field returns the value of key on the last event named msg.
func (o *recordingObs) field(msg, key string) (any, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.events) - 1; i >= 0; i-- {
		if o.events[i].msg != msg {
			continue
		}
		for _, f := range o.events[i].fields {
			if f.Key == key {
				return f.Value, true
			}
		}
		return nil, false
	}
	return nil, false
}

func (o *recordingObs) saw(msg string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.events {
		if e.msg == msg {
			return true
		}
	}
	return false
}

// memJournal is an in-memory override journal.
type memJournal struct {
	mu        sync.Mutex
	entries   []domain.OverrideRecord
	committed ports.JournalEntryID
	appendErr error
}

func (j *memJournal) Append(rec domain.OverrideRecord) (ports.JournalEntryID, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.appendErr != nil {
		return 0, j.appendErr
	}
	j.entries = append(j.entries, rec)
	return ports.JournalEntryID(len(j.entries)), nil
}

func (j *memJournal) Iterate(from ports.JournalEntryID, fn func(ports.JournalEntryID, domain.OverrideRecord) error) error {
	j.mu.Lock()
	entries := append([]domain.OverrideRecord(nil), j.entries...)
	j.mu.Unlock()
	for i, rec := range entries {
		id := ports.JournalEntryID(i + 1)
		if id < from {
			continue
		}
		if err := fn(id, rec); err != nil {
			return err
		}
	}
	return nil
}

func (j *memJournal) Commit(upto ports.JournalEntryID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if upto > j.committed {
		j.committed = upto
	}
	return nil
}

func (j *memJournal) TruncateCommitted() error { return nil }

func (j *memJournal) Stats() ports.JournalStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	latest := ports.JournalEntryID(len(j.entries))
	return ports.JournalStats{OldestUncommitted: j.committed + 1, LatestAppended: latest}
}

// accelAgent mirrors the production acceleration agent closely enough to
// drive the state machine scenarios.
type accelAgent struct {
	Base
	mu         sync.Mutex
	evalPanic  bool
	entries    []domain.ControlMode
	ends       int
	entryErr   error
	lastPolicy *Policy
	open       map[string]bool
	overlap    bool
}

const (
	testKindAccel     domain.Kind = "acceleration"
	testKindProximity domain.Kind = "proximity"
)

func (a *accelAgent) Name() string { return "test-accel" }

func (a *accelAgent) PolicyOptions() []OptionSpec {
	return []OptionSpec{
		{Key: "alm-threshold", Kind: OptionFloat, Required: true, Default: 0.1, Min: Bound(0)},
		{Key: "control-acc-rate", Kind: OptionFloat, Required: true, Default: 60.0, Min: Bound(0)},
	}
}

func (a *accelAgent) MeetsControlCriterion(snap Snapshot, restrictTo domain.Kind, pol *Policy) (bool, error) {
	a.mu.Lock()
	boom := a.evalPanic
	a.mu.Unlock()
	if boom {
		panic("evaluator exploded")
	}
	near := false
	if obs, ok := snap.Latest(testKindProximity); ok {
		if d, ok := obs.Value("distance"); ok && d <= 0 {
			near = true
		}
	}
	var sum float64
	part := snap.Of(testKindAccel)
	for _, o := range part {
		x, _ := o.Value("x")
		y, _ := o.Value("y")
		z, _ := o.Value("z")
		sum += math.Sqrt(x*x + y*y + z*z)
	}
	alm := len(part) > 0 && sum/float64(len(part)) > pol.Float("alm-threshold")

	switch restrictTo {
	case "":
		return near || alm, nil
	case testKindProximity:
		return near, nil
	case testKindAccel:
		return alm, nil
	default:
		return false, nil
	}
}

func (a *accelAgent) enter(ctx context.Context, s *Scope) error {
	a.mu.Lock()
	a.entries = append(a.entries, s.Session.Mode)
	a.lastPolicy = s.Policy
	if a.open == nil {
		a.open = map[string]bool{}
	}
	a.open[s.Session.ID] = true
	if len(a.open) > 1 {
		a.overlap = true
	}
	err := a.entryErr
	a.mu.Unlock()
	if err != nil {
		return err
	}
	return s.OverrideRate(ctx, testKindAccel, s.Policy.Float("control-acc-rate"))
}

func (a *accelAgent) OnOpportunisticEntry(ctx context.Context, s *Scope) error { return a.enter(ctx, s) }
func (a *accelAgent) OnActiveEntry(ctx context.Context, s *Scope) error        { return a.enter(ctx, s) }

func (a *accelAgent) OnControlEnd(_ context.Context, s *Scope) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ends++
	delete(a.open, s.Session.ID)
	return nil
}

func (a *accelAgent) entryModes() []domain.ControlMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.ControlMode(nil), a.entries...)
}

func accel(at time.Time, x, y, z float64) domain.Observation {
	return domain.Observation{
		Kind:      testKindAccel,
		Timestamp: at,
		Values:    map[string]float64{"x": x, "y": y, "z": z},
	}
}

func proximity(at time.Time, distance float64) domain.Observation {
	return domain.Observation{
		Kind:      testKindProximity,
		Timestamp: at,
		Values:    map[string]float64{"distance": distance},
	}
}

type harness struct {
	agent    *Agent
	impl     *accelAgent
	clock    *clock.FakeClock
	rate     *stubRate
	wake     *stubWake
	obs      *recordingObs
	journal  *memJournal
	sessions chan domain.SessionRecord
}

func newHarness(interactive bool) *harness {
	h := &harness{
		impl:     &accelAgent{},
		clock:    clock.NewFake(epoch),
		rate:     &stubRate{rate: 5},
		wake:     &stubWake{},
		obs:      newRecordingObs(),
		journal:  &memJournal{},
		sessions: make(chan domain.SessionRecord, 16),
	}
	a, err := New(h.impl,
		WithClock(h.clock),
		WithWakeLock(h.wake),
		WithDeviceState(stubDevice{interactive: interactive}),
		WithJournal(h.journal),
		WithObservability(h.obs),
		WithSessionHook(func(rec domain.SessionRecord) {
			select {
			case h.sessions <- rec:
			default:
			}
		}),
	)
	if err != nil {
		panic(err)
	}
	a.RegisterRateController(testKindAccel, "imu", h.rate)
	h.agent = a
	return h
}

func (h *harness) feedAccel(n int, magnitude float64) {
	for i := 0; i < n; i++ {
		if err := h.agent.OnNewData(accel(h.clock.Now(), magnitude, 0, 0)); err != nil {
			panic(err)
		}
	}
}

var errFlaky = errors.New("sensor busy")
