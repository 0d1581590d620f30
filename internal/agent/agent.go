package agent

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

// SensingAgent is the capability set a concrete agent implements. The
// runtime owns the buffer, the policy and all resources; the agent only
// supplies criteria and control actions.
type SensingAgent interface {
	Name() string
	// PolicyOptions declares the options the agent recognizes. Framework
	// options are added automatically; an agent redeclares one to change
	// its default.
	PolicyOptions() []OptionSpec
	UpdateBuffer(buf *ObservationBuffer, obs domain.Observation, pol *Policy)
	// MeetsControlCriterion must be a pure function of snap and pol. An
	// empty restrictTo asks for the aggregate decision.
	MeetsControlCriterion(snap Snapshot, restrictTo domain.Kind, pol *Policy) (bool, error)
	OnOpportunisticEntry(ctx context.Context, s *Scope) error
	OnActiveEntry(ctx context.Context, s *Scope) error
	OnControlEnd(ctx context.Context, s *Scope) error
}

// BufferSizer is implemented by agents that want a partition cap other
// than DefaultBufferCapacity.
type BufferSizer interface {
	BufferCapacity() int
}

// Scope is what entry and exit hooks may touch: the session, the policy it
// started under, and rate overrides owned by that session.
type Scope struct {
	Session domain.ControlSession
	Policy  *Policy

	coord *Coordinator
}

// OverrideRate raises the max sampling rate of the source behind kind for
// the rest of the session. The prior rate is restored when it ends.
func (s *Scope) OverrideRate(ctx context.Context, kind domain.Kind, perSecond float64) error {
	return s.coord.OverrideRate(ctx, s.Session.ID, kind, perSecond)
}

func (s *Scope) CurrentRate(kind domain.Kind) (float64, bool) {
	return s.coord.CurrentRate(kind)
}

// Base gives a concrete agent append-only buffering and no-op hooks.
type Base struct{}

func (Base) UpdateBuffer(buf *ObservationBuffer, obs domain.Observation, _ *Policy) {
	buf.Ingest(obs)
}

func (Base) OnOpportunisticEntry(context.Context, *Scope) error { return nil }
func (Base) OnActiveEntry(context.Context, *Scope) error        { return nil }
func (Base) OnControlEnd(context.Context, *Scope) error         { return nil }

type Option func(*Agent)

func WithClock(c clock.Clock) Option {
	return func(a *Agent) { a.clock = c }
}

func WithWakeLock(w ports.WakeLock) Option {
	return func(a *Agent) { a.wake = w }
}

func WithDeviceState(d ports.DeviceState) Option {
	return func(a *Agent) { a.device = d }
}

// WithJournal persists overrides so Recover can restore rates after a crash.
func WithJournal(j ports.OverrideJournal) Option {
	return func(a *Agent) { a.journal = j }
}

func WithObservability(o ports.Observability) Option {
	return func(a *Agent) {
		if o != nil {
			a.obs = o
		}
	}
}

// WithSessionHook registers fn to receive every closed session.
func WithSessionHook(fn func(domain.SessionRecord)) Option {
	return func(a *Agent) { a.onClose = fn }
}

// WithBufferCapacity sets the default partition cap.
func WithBufferCapacity(n int) Option {
	return func(a *Agent) { a.bufferCap = n }
}

// Agent runs one SensingAgent: it buffers observations, evaluates criteria
// on ingestion and on a periodic tick, and drives the control state machine.
type Agent struct {
	impl SensingAgent

	clock     clock.Clock
	wake      ports.WakeLock
	device    ports.DeviceState
	journal   ports.OverrideJournal
	obs       ports.Observability
	onClose   func(domain.SessionRecord)
	bufferCap int

	buffer   *ObservationBuffer
	policies *PolicyStore
	coord    *Coordinator
	machine  *Machine

	mu       sync.Mutex
	stopped  bool
	policyCh chan struct{}
}

func New(impl SensingAgent, opts ...Option) (*Agent, error) {
	if impl == nil {
		return nil, errors.New("agent: nil implementation")
	}
	a := &Agent{
		impl:     impl,
		clock:    clock.Real(),
		obs:      nopObs{},
		policyCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.bufferCap <= 0 {
		if s, ok := impl.(BufferSizer); ok {
			a.bufferCap = s.BufferCapacity()
		}
	}

	specs := mergeOptions(FrameworkOptions(DefaultTiming), impl.PolicyOptions())
	store, err := NewPolicyStore(specs, a.clock.Now)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", impl.Name(), err)
	}
	a.policies = store
	a.buffer = NewObservationBuffer(a.bufferCap)
	a.coord = NewCoordinator(a.wake, a.journal, a.obs, a.clock)
	a.machine = &Machine{
		impl:     impl,
		buffer:   a.buffer,
		policies: store,
		coord:    a.coord,
		device:   a.device,
		obs:      a.obs,
		clock:    a.clock,
		onClose:  a.onClose,
	}
	return a, nil
}

func (a *Agent) Name() string { return a.impl.Name() }

// RegisterRateController names the source whose rate is overridden for
// observations of kind.
func (a *Agent) RegisterRateController(kind domain.Kind, source string, ctrl ports.RateController) {
	a.coord.RegisterRate(kind, source, ctrl)
}

// ApplyPolicy validates doc and swaps it in atomically. A rejected document
// leaves the current policy in place and returns a *ConfigurationError.
func (a *Agent) ApplyPolicy(doc Document) (*Policy, error) {
	pol, err := a.policies.Apply(doc)
	if err != nil {
		a.obs.IncCounter("sense_policy_rejected_total", 1)
		a.obs.LogError("policy_rejected", err, ports.Field{Key: "agent", Value: a.impl.Name()})
		return nil, err
	}
	a.obs.LogInfo("policy_applied",
		ports.Field{Key: "agent", Value: a.impl.Name()},
		ports.Field{Key: "revision", Value: pol.Revision},
		ports.Field{Key: "version", Value: pol.Version})

	select {
	case a.policyCh <- struct{}{}:
	default:
	}
	if pol.Bool(OptCancelActiveSession) {
		a.machine.Cancel()
	}
	return pol, nil
}

// ApplyPolicyBytes parses raw as YAML or JSON and applies it.
func (a *Agent) ApplyPolicyBytes(raw []byte) (*Policy, error) {
	doc, err := ParseDocument(raw)
	if err != nil {
		a.obs.IncCounter("sense_policy_rejected_total", 1)
		a.obs.LogError("policy_rejected", err, ports.Field{Key: "agent", Value: a.impl.Name()})
		return nil, err
	}
	return a.ApplyPolicy(doc)
}

func (a *Agent) Policy() *Policy { return a.policies.Current() }

func (a *Agent) PolicyOptions() []OptionSpec { return a.policies.Options() }

// OnNewData buffers obs and runs the event-driven check for its kind.
func (a *Agent) OnNewData(obs domain.Observation) error {
	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if stopped {
		return ErrAgentStopped
	}
	if err := a.updateBuffer(obs); err != nil {
		a.obs.LogError("buffer_update_failed", err,
			ports.Field{Key: "agent", Value: a.impl.Name()},
			ports.Field{Key: "kind", Value: string(obs.Kind)})
		return err
	}
	a.obs.IncCounter("sense_observations_ingested_total", 1)
	a.machine.Observe(obs.Kind)
	return nil
}

func (a *Agent) updateBuffer(obs domain.Observation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r)
		}
	}()
	a.impl.UpdateBuffer(a.buffer, obs, a.policies.Current())
	return nil
}

// OnPeriodicTick runs the time-driven check.
func (a *Agent) OnPeriodicTick() {
	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if stopped {
		return
	}
	a.machine.Tick()
}

// Cancel ends the open session, if any, through the revert path.
func (a *Agent) Cancel() { a.machine.Cancel() }

// OnProtocolStop cancels the open session and waits for its revert. The
// agent accepts no further observations afterwards.
func (a *Agent) OnProtocolStop(ctx context.Context) error {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	err := a.machine.Stop(ctx)
	a.obs.LogInfo("agent_stopped", ports.Field{Key: "agent", Value: a.impl.Name()})
	return err
}

// Run ticks at the policy's observation window until ctx is done, then
// stops the agent. A policy change resets the ticker.
func (a *Agent) Run(ctx context.Context) error {
	window := a.Policy().ObservationWindow()
	ticker := a.clock.NewTicker(window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), a.Policy().ReconfigureTimeout()*2)
			err := a.OnProtocolStop(stopCtx)
			cancel()
			return err
		case <-a.policyCh:
			if w := a.Policy().ObservationWindow(); w != window {
				window = w
				ticker.Reset(w)
			}
		case <-ticker.C:
			a.OnPeriodicTick()
		}
	}
}

// Recover reverts overrides left uncommitted by a previous process.
func (a *Agent) Recover(ctx context.Context) error {
	return a.coord.Recover(ctx)
}

func (a *Agent) State() domain.State { return a.machine.State() }

func (a *Agent) Session() (domain.ControlSession, bool) { return a.machine.Session() }

func (a *Agent) CooldownUntil() time.Time { return a.machine.CooldownUntil() }

func (a *Agent) Snapshot(kind domain.Kind) Snapshot { return a.buffer.Snapshot(kind) }

// WakeHeld reports whether the agent currently holds the wake lock.
func (a *Agent) WakeHeld() bool { return a.coord.WakeHeld() }

type nopObs struct{}

func (nopObs) LogInfo(string, ...ports.Field)            {}
func (nopObs) LogError(string, error, ...ports.Field)    {}
func (nopObs) LogCritical(string, error, ...ports.Field) {}
func (nopObs) IncCounter(string, float64)                {}
func (nopObs) ObserveLatency(string, float64)            {}
func (nopObs) SetGauge(string, float64)                  {}
