package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghalamif/adaptivesense/internal/clock"
	"github.com/ghalamif/adaptivesense/internal/domain"
	"github.com/ghalamif/adaptivesense/internal/ports"
)

type session struct {
	info   domain.ControlSession
	policy *Policy
	ctx    context.Context
	cancel context.CancelFunc
	timer  *clock.Timer
	done   chan struct{}

	cancelReason domain.EndReason
	err          error

	// promotePending is set when the time-driven trigger fired while an
	// Opportunistic entry was still in flight.
	promotePending bool
}

// Machine runs the control state machine of one agent. State changes happen
// under mu; wake lock and rate reconfiguration run outside it while the
// machine sits in EnteringControl or EndingControl, which blocks any other
// transition.
type Machine struct {
	impl     SensingAgent
	buffer   *ObservationBuffer
	policies *PolicyStore
	coord    *Coordinator
	device   ports.DeviceState
	obs      ports.Observability
	clock    clock.Clock
	onClose  func(domain.SessionRecord)

	mu            sync.Mutex
	state         domain.State
	session       *session
	cooldownUntil time.Time
	stopped       bool
}

func (m *Machine) State() domain.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the open session, if any.
func (m *Machine) Session() (domain.ControlSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return domain.ControlSession{}, false
	}
	return m.session.info, true
}

// CooldownUntil is the earliest time a new session may start.
func (m *Machine) CooldownUntil() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cooldownUntil
}

// Tick is the time-driven check: start Active control from Idle, promote a
// running Opportunistic session, or end a session whose criterion cleared.
func (m *Machine) Tick() {
	met := m.evaluate("")

	m.mu.Lock()
	st, s := m.state, m.session
	var mode domain.ControlMode
	if s != nil {
		mode = s.info.Mode
	}
	if st == domain.StateEnteringControl && met && mode == domain.ModeOpportunistic {
		s.promotePending = true
	}
	m.mu.Unlock()

	switch st {
	case domain.StateIdle:
		if met {
			m.begin(domain.ModeActive, "")
		}
	case domain.StateUnderControl:
		switch {
		case met && mode == domain.ModeOpportunistic:
			m.promote(s)
		case !met && s.policy.Bool(OptEndWhenCriterionClears):
			m.end(s, domain.EndCriterionClear)
		}
	}
}

// Observe is the event-driven check run right after an observation of kind
// was buffered.
func (m *Machine) Observe(kind domain.Kind) {
	if !m.startable(m.clock.Now()) {
		return
	}
	if !m.evaluate(kind) {
		return
	}
	pol := m.policies.Current()
	if pol.Bool(OptOpportunisticRequiresInteractive) && (m.device == nil || !m.device.Interactive()) {
		return
	}
	m.begin(domain.ModeOpportunistic, kind)
}

// Cancel drives the open session through EndingControl.
func (m *Machine) Cancel() { m.cancelWith(domain.EndCancelled) }

// Stop refuses new sessions, cancels the open one and waits until it has
// been reverted or ctx expires.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	s := m.session
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	m.cancelWith(domain.EndProtocolStopped)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) startable(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.stopped && m.state == domain.StateIdle && !now.Before(m.cooldownUntil)
}

func (m *Machine) cancelWith(reason domain.EndReason) {
	m.mu.Lock()
	s, st := m.session, m.state
	if s == nil {
		m.mu.Unlock()
		return
	}
	if s.cancelReason == "" {
		s.cancelReason = reason
	}
	s.cancel()
	m.mu.Unlock()

	// EnteringControl notices the cancelled context when its body returns;
	// EndingControl is already reverting.
	if st == domain.StateUnderControl {
		m.end(s, reason)
	}
}

func (m *Machine) evaluate(kind domain.Kind) (met bool) {
	snap := m.buffer.Snapshot(kind)
	pol := m.policies.Current()

	defer func() {
		if r := recover(); r != nil {
			m.evaluationFailed(kind, recovered(r))
			met = false
		}
	}()
	ok, err := m.impl.MeetsControlCriterion(snap, kind, pol)
	if err != nil {
		m.evaluationFailed(kind, err)
		return false
	}
	return ok
}

func (m *Machine) evaluationFailed(kind domain.Kind, err error) {
	m.obs.IncCounter("sense_evaluation_errors_total", 1)
	m.obs.LogError("criterion_evaluation_failed", &EvaluationError{Agent: m.impl.Name(), Kind: kind, Err: err})
}

func (m *Machine) begin(mode domain.ControlMode, trigger domain.Kind) bool {
	pol := m.policies.Current()
	now := m.clock.Now()

	m.mu.Lock()
	if m.stopped || m.state != domain.StateIdle || now.Before(m.cooldownUntil) {
		m.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		info: domain.ControlSession{
			ID:          uuid.NewString(),
			Mode:        mode,
			TriggerKind: trigger,
			StartedAt:   now,
			Deadline:    now.Add(pol.ControlDuration()),
			Cooldown:    pol.Cooldown(),
		},
		policy: pol,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.session = s
	m.setStateLocked(domain.StateEnteringControl)
	m.mu.Unlock()

	m.obs.LogInfo("control_entering",
		ports.Field{Key: "agent", Value: m.impl.Name()},
		ports.Field{Key: "session_id", Value: s.info.ID},
		ports.Field{Key: "mode", Value: mode.String()},
		ports.Field{Key: "trigger", Value: string(trigger)})

	err := m.enter(s, mode)

	m.mu.Lock()
	if err != nil || s.ctx.Err() != nil {
		m.abortLocked(s, err, "control_entry_failed")
		return false
	}
	m.setStateLocked(domain.StateUnderControl)
	pending := s.promotePending && mode == domain.ModeOpportunistic
	m.mu.Unlock()

	m.arm(s)
	m.obs.IncCounter("sense_control_sessions_total", 1)
	m.obs.LogInfo("control_started",
		ports.Field{Key: "session_id", Value: s.info.ID},
		ports.Field{Key: "mode", Value: mode.String()},
		ports.Field{Key: "deadline", Value: s.info.Deadline})
	if pending {
		m.promote(s)
	}
	return true
}

// enter runs the EnteringControl body for mode.
func (m *Machine) enter(s *session, mode domain.ControlMode) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.policy.ReconfigureTimeout())
	defer cancel()

	if mode == domain.ModeActive || s.policy.Bool(OptOpportunisticWakeLock) {
		held, err := m.coord.AcquireWake(ctx)
		if err != nil {
			return err
		}
		if held {
			m.mu.Lock()
			s.info.WakeLockHeld = true
			m.mu.Unlock()
		}
	}

	hook := m.impl.OnOpportunisticEntry
	if mode == domain.ModeActive {
		hook = m.impl.OnActiveEntry
	}
	if err := m.runHook(ctx, hook, s); err != nil {
		var rae *ResourceAcquisitionError
		if errors.As(err, &rae) {
			return err
		}
		return &ResourceAcquisitionError{Resource: "control_entry", Err: err}
	}
	return nil
}

// promote upgrades a running Opportunistic session to Active control and
// extends its deadline by one control duration.
func (m *Machine) promote(s *session) {
	m.mu.Lock()
	if m.session != s || m.state != domain.StateUnderControl || s.info.Mode != domain.ModeOpportunistic {
		m.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	m.setStateLocked(domain.StateEnteringControl)
	m.mu.Unlock()

	err := m.enter(s, domain.ModeActive)

	m.mu.Lock()
	if err != nil || s.ctx.Err() != nil {
		m.abortLocked(s, err, "control_promotion_failed")
		return
	}
	s.info.Mode = domain.ModeActive
	s.promotePending = false
	s.info.Deadline = m.clock.Now().Add(s.policy.ControlDuration())
	m.setStateLocked(domain.StateUnderControl)
	m.mu.Unlock()

	m.arm(s)
	m.obs.LogInfo("control_promoted", ports.Field{Key: "session_id", Value: s.info.ID})
}

// abortLocked moves a session whose EnteringControl body failed or was
// cancelled into EndingControl and reverts it. Called with mu held; returns
// with it released.
func (m *Machine) abortLocked(s *session, err error, event string) {
	reason := domain.EndEntryFailed
	if s.ctx.Err() != nil && s.cancelReason != "" {
		reason = s.cancelReason
	}
	if reason == domain.EndEntryFailed {
		s.err = err
	}
	id := s.info.ID
	m.setStateLocked(domain.StateEndingControl)
	m.mu.Unlock()

	if reason == domain.EndEntryFailed {
		m.obs.IncCounter("sense_control_failures_total", 1)
		m.obs.LogError(event, err, ports.Field{Key: "session_id", Value: id})
	}
	m.finish(s, reason)
}

// arm schedules the deadline of an UnderControl session.
func (m *Machine) arm(s *session) {
	m.mu.Lock()
	remaining := s.info.Deadline.Sub(m.clock.Now())
	m.mu.Unlock()

	t := m.clock.AfterFunc(remaining, func() { m.end(s, domain.EndDeadline) })

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == s && m.state == domain.StateUnderControl {
		s.timer = t
		return
	}
	t.Stop()
}

func (m *Machine) end(s *session, reason domain.EndReason) {
	m.mu.Lock()
	if m.session != s || m.state != domain.StateUnderControl {
		m.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	m.setStateLocked(domain.StateEndingControl)
	m.mu.Unlock()

	m.finish(s, reason)
}

// finish runs the EndingControl body and returns the machine to Idle. The
// revert uses a fresh context so a cancelled session still restores rates.
func (m *Machine) finish(s *session, reason domain.EndReason) {
	ctx, cancel := context.WithTimeout(context.Background(), s.policy.ReconfigureTimeout())
	defer cancel()

	if err := m.runHook(ctx, m.impl.OnControlEnd, s); err != nil {
		m.obs.LogError("control_end_hook_failed", err, ports.Field{Key: "session_id", Value: s.info.ID})
	}
	overrides := m.coord.Overrides()
	if err := m.coord.ReleaseAll(ctx); err != nil {
		m.obs.LogCritical("control_release_failed", err, ports.Field{Key: "session_id", Value: s.info.ID})
		if s.err == nil {
			s.err = err
		}
	}

	now := m.clock.Now()
	m.mu.Lock()
	info := s.info
	cooldownUntil := now.Add(info.Cooldown)
	m.cooldownUntil = cooldownUntil
	m.session = nil
	m.setStateLocked(domain.StateIdle)
	close(s.done)
	m.mu.Unlock()
	s.cancel()

	rec := domain.SessionRecord{
		SessionID:    info.ID,
		Agent:        m.impl.Name(),
		Mode:         info.Mode,
		TriggerKind:  info.TriggerKind,
		StartedAt:    info.StartedAt,
		EndedAt:      now,
		Reason:       reason,
		WakeLockHeld: info.WakeLockHeld,
		Overrides:    overrides,
	}
	if s.err != nil {
		rec.Error = s.err.Error()
	}
	m.obs.ObserveLatency("sense_control_session_seconds", rec.Duration().Seconds())
	m.obs.LogInfo("control_ended",
		ports.Field{Key: "session_id", Value: info.ID},
		ports.Field{Key: "reason", Value: string(reason)},
		ports.Field{Key: "cooldown_until", Value: cooldownUntil})
	if m.onClose != nil {
		m.onClose(rec)
	}
}

func (m *Machine) runHook(ctx context.Context, hook func(context.Context, *Scope) error, s *session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r)
		}
	}()
	m.mu.Lock()
	info := s.info
	m.mu.Unlock()
	return hook(ctx, &Scope{Session: info, Policy: s.policy, coord: m.coord})
}

func (m *Machine) setStateLocked(st domain.State) {
	m.state = st
	m.obs.SetGauge("sense_agent_state", float64(st))
}
