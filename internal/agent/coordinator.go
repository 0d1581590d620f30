package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ghalamif/adaptivesense/internal/clock"
	"github.com/ghalamif/adaptivesense/internal/domain"
	"github.com/ghalamif/adaptivesense/internal/ports"
)

// journalTruncateBytes is the journal size above which committed entries
// are compacted after a release.
const journalTruncateBytes = 64 << 10

type rateSource struct {
	name string
	ctrl ports.RateController
}

type override struct {
	rec  domain.OverrideRecord
	ctrl ports.RateController
	id   ports.JournalEntryID
}

// Coordinator owns the wake lock and every sampling-rate override of the
// open control session. Operations are serialized; the state machine is the
// only caller.
type Coordinator struct {
	wake    ports.WakeLock
	journal ports.OverrideJournal
	obs     ports.Observability
	clock   clock.Clock

	op sync.Mutex // serializes acquire/release bodies, held across I/O

	mu       sync.Mutex
	byKind   map[domain.Kind]rateSource
	bySource map[string]ports.RateController
	wakeHeld bool
	active   []override
	pending  []override
	lastID   ports.JournalEntryID
}

func NewCoordinator(wake ports.WakeLock, journal ports.OverrideJournal, obs ports.Observability, clk clock.Clock) *Coordinator {
	if clk == nil {
		clk = clock.Real()
	}
	return &Coordinator{
		wake:     wake,
		journal:  journal,
		obs:      obs,
		clock:    clk,
		byKind:   make(map[domain.Kind]rateSource),
		bySource: make(map[string]ports.RateController),
	}
}

// RegisterRate makes ctrl the rate controller for observations of kind.
func (c *Coordinator) RegisterRate(kind domain.Kind, source string, ctrl ports.RateController) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKind[kind] = rateSource{name: source, ctrl: ctrl}
	c.bySource[source] = ctrl
}

// CurrentRate reports the live max rate of the source behind kind.
func (c *Coordinator) CurrentRate(kind domain.Kind) (float64, bool) {
	c.mu.Lock()
	src, ok := c.byKind[kind]
	c.mu.Unlock()
	if !ok {
		return 0, false
	}
	return src.ctrl.MaxRate(), true
}

func (c *Coordinator) WakeHeld() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wakeHeld
}

// Overrides lists the rate overrides recorded for the open session.
func (c *Coordinator) Overrides() []domain.OverrideRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.OverrideRecord, len(c.active))
	for i, o := range c.active {
		out[i] = o.rec
	}
	return out
}

// AcquireWake takes the wake lock once per session; repeated calls are
// no-ops. It reports whether the lock is held afterwards, which is false
// when no wake lock is configured.
func (c *Coordinator) AcquireWake(ctx context.Context) (bool, error) {
	c.op.Lock()
	defer c.op.Unlock()

	if c.wake == nil {
		return false, nil
	}
	if c.WakeHeld() {
		return true, nil
	}
	if err := c.wake.KeepAwake(ctx); err != nil {
		return false, &ResourceAcquisitionError{Resource: "wake_lock", Err: err}
	}
	c.mu.Lock()
	c.wakeHeld = true
	c.mu.Unlock()
	c.obs.SetGauge("sense_wake_lock_held", 1)
	return true, nil
}

// OverrideRate raises the source behind kind to perSecond. The rate in
// effect before the first override of the session is what ReleaseAll
// restores. A kind without a registered controller is skipped.
func (c *Coordinator) OverrideRate(ctx context.Context, sessionID string, kind domain.Kind, perSecond float64) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	src, ok := c.byKind[kind]
	recorded := false
	for _, o := range c.active {
		if o.rec.Source == src.name {
			recorded = true
			break
		}
	}
	c.mu.Unlock()

	if !ok {
		c.obs.LogInfo("rate_override_skipped", ports.Field{Key: "kind", Value: kind})
		return nil
	}

	if !recorded {
		rec := domain.OverrideRecord{
			SessionID:  sessionID,
			Kind:       kind,
			Source:     src.name,
			PriorRate:  src.ctrl.MaxRate(),
			TargetRate: perSecond,
			At:         c.clock.Now(),
		}
		var id ports.JournalEntryID
		if c.journal != nil {
			var err error
			id, err = c.journal.Append(rec)
			if err != nil {
				c.obs.LogCritical("override_journal_append_failed", err, ports.Field{Key: "source", Value: src.name})
				return &ResourceAcquisitionError{Resource: "sampling_rate:" + src.name, Err: err}
			}
		}
		c.mu.Lock()
		c.active = append(c.active, override{rec: rec, ctrl: src.ctrl, id: id})
		if id > c.lastID {
			c.lastID = id
		}
		c.mu.Unlock()
	}

	if err := c.applyRate(ctx, src.name, src.ctrl, perSecond); err != nil {
		return &ResourceAcquisitionError{Resource: "sampling_rate:" + src.name, Err: err}
	}
	return nil
}

// ReleaseAll restores every recorded rate and releases the wake lock. It is
// safe to call repeatedly and after a partial acquisition. Reverts that fail
// twice stay pending and are retried on the next call.
func (c *Coordinator) ReleaseAll(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	todo := make([]override, 0, len(c.active)+len(c.pending))
	for i := len(c.active) - 1; i >= 0; i-- {
		todo = append(todo, c.active[i])
	}
	for i := len(c.pending) - 1; i >= 0; i-- {
		todo = append(todo, c.pending[i])
	}
	wakeHeld := c.wakeHeld
	c.active = nil
	c.pending = nil
	c.mu.Unlock()

	var (
		errs    []error
		pending []override
	)
	for _, o := range todo {
		if err := c.applyRate(ctx, o.rec.Source, o.ctrl, o.rec.PriorRate); err != nil {
			c.obs.LogCritical("rate_revert_failed", err,
				ports.Field{Key: "source", Value: o.rec.Source},
				ports.Field{Key: "prior_rate", Value: o.rec.PriorRate})
			errs = append(errs, fmt.Errorf("revert %s: %w", o.rec.Source, err))
			pending = append([]override{o}, pending...)
		}
	}

	if wakeHeld {
		if err := c.wake.LetSleep(ctx); err != nil {
			c.obs.LogError("wake_lock_release_failed", err)
			errs = append(errs, fmt.Errorf("release wake lock: %w", err))
		}
		c.obs.SetGauge("sense_wake_lock_held", 0)
	}

	c.mu.Lock()
	c.wakeHeld = false
	c.pending = pending
	lastID := c.lastID
	c.mu.Unlock()

	if len(pending) == 0 {
		c.commitJournal(lastID)
	}
	return errors.Join(errs...)
}

// Recover reverts overrides that were journaled but never committed, which
// happens when the process dies with a session open.
func (c *Coordinator) Recover(ctx context.Context) error {
	if c.journal == nil {
		return nil
	}
	stats := c.journal.Stats()
	if stats.LatestAppended == 0 || stats.OldestUncommitted == 0 || stats.OldestUncommitted > stats.LatestAppended {
		return nil
	}

	var (
		order []string
		first = make(map[string]override)
	)
	err := c.journal.Iterate(stats.OldestUncommitted, func(id ports.JournalEntryID, rec domain.OverrideRecord) error {
		if _, seen := first[rec.Source]; seen {
			return nil
		}
		first[rec.Source] = override{rec: rec, id: id}
		order = append(order, rec.Source)
		return nil
	})
	if err != nil {
		return fmt.Errorf("read override journal: %w", err)
	}

	c.op.Lock()
	defer c.op.Unlock()

	var errs []error
	for _, source := range order {
		o := first[source]
		c.mu.Lock()
		ctrl, ok := c.bySource[source]
		c.mu.Unlock()
		if !ok {
			c.obs.LogError("recover_source_missing", fmt.Errorf("no rate controller for %s", source))
			continue
		}
		o.ctrl = ctrl
		if err := c.applyRate(ctx, source, ctrl, o.rec.PriorRate); err != nil {
			errs = append(errs, fmt.Errorf("recover %s: %w", source, err))
			c.mu.Lock()
			c.pending = append(c.pending, o)
			c.mu.Unlock()
			continue
		}
		c.obs.LogInfo("rate_recovered",
			ports.Field{Key: "source", Value: source},
			ports.Field{Key: "rate", Value: o.rec.PriorRate},
			ports.Field{Key: "session_id", Value: o.rec.SessionID})
	}

	c.mu.Lock()
	if stats.LatestAppended > c.lastID {
		c.lastID = stats.LatestAppended
	}
	clean := len(c.pending) == 0
	c.mu.Unlock()
	if clean {
		c.commitJournal(stats.LatestAppended)
	}
	return errors.Join(errs...)
}

// applyRate sets and restarts with a single retry.
func (c *Coordinator) applyRate(ctx context.Context, source string, ctrl ports.RateController, perSecond float64) error {
	apply := func() error {
		if err := ctrl.SetMaxRate(ctx, perSecond); err != nil {
			return err
		}
		return ctrl.Restart(ctx)
	}
	err := apply()
	if err == nil {
		return nil
	}
	c.obs.LogError("rate_reconfigure_failed", err,
		ports.Field{Key: "source", Value: source},
		ports.Field{Key: "rate", Value: perSecond},
		ports.Field{Key: "attempt", Value: 1})
	c.obs.IncCounter("sense_rate_reconfigure_retries_total", 1)
	if ctx.Err() != nil {
		return err
	}
	return apply()
}

func (c *Coordinator) commitJournal(upto ports.JournalEntryID) {
	if c.journal == nil || upto == 0 {
		return
	}
	if err := c.journal.Commit(upto); err != nil {
		c.obs.LogError("override_journal_commit_failed", err)
		return
	}
	if c.journal.Stats().SizeBytes < journalTruncateBytes {
		return
	}
	if err := c.journal.TruncateCommitted(); err != nil {
		c.obs.LogError("override_journal_truncate_failed", err)
	}
}
