package adaptivesense

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ghalamif/adaptivesense/internal/adapters/device"
	"github.com/ghalamif/adaptivesense/internal/adapters/fanout"
	"github.com/ghalamif/adaptivesense/internal/adapters/journal"
	"github.com/ghalamif/adaptivesense/internal/adapters/observability"
	"github.com/ghalamif/adaptivesense/internal/adapters/opcua"
	"github.com/ghalamif/adaptivesense/internal/adapters/push"
	"github.com/ghalamif/adaptivesense/internal/adapters/queue"
	"github.com/ghalamif/adaptivesense/internal/adapters/recorder"
	"github.com/ghalamif/adaptivesense/internal/adapters/simulator"
	"github.com/ghalamif/adaptivesense/internal/agent"
	"github.com/ghalamif/adaptivesense/internal/app/admin"
	"github.com/ghalamif/adaptivesense/internal/app/pipeline"
	"github.com/ghalamif/adaptivesense/internal/clock"
	"github.com/ghalamif/adaptivesense/internal/domain"
	"github.com/ghalamif/adaptivesense/internal/ports"
)

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	agent       SensingAgent
	sources     []ObservationSource
	recorder    SessionRecorder
	transformer Transformer
	journal     OverrideJournal
	obs         Observability
	logger      *slog.Logger
	registry    *prometheus.Registry
	clock       clock.Clock
	wake        WakeLock
	device      *device.State
	sessionHook func(SessionRecord)
	noAdmin     bool
}

// WithSensingAgent bypasses the agent registry.
func WithSensingAgent(a SensingAgent) RuntimeOption {
	return func(o *runtimeOverrides) { o.agent = a }
}

// WithSource adds a source next to those named in the config. Sources that
// also implement RateController are registered for each of their kinds.
func WithSource(src ObservationSource) RuntimeOption {
	return func(o *runtimeOverrides) {
		if src != nil {
			o.sources = append(o.sources, src)
		}
	}
}

// WithRecorder replaces the SQL recorder selected by the config.
func WithRecorder(r SessionRecorder) RuntimeOption {
	return func(o *runtimeOverrides) { o.recorder = r }
}

// WithTransformer calibrates observations before they reach the agent.
func WithTransformer(t Transformer) RuntimeOption {
	return func(o *runtimeOverrides) { o.transformer = t }
}

// WithJournal replaces the file journal.
func WithJournal(j OverrideJournal) RuntimeOption {
	return func(o *runtimeOverrides) { o.journal = j }
}

// WithObservability replaces the Prometheus and slog backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) { o.obs = obs }
}

// WithLogger sets the logger used by the default observability backend and
// by adapters that log directly.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(o *runtimeOverrides) { o.logger = l }
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return func(o *runtimeOverrides) { o.registry = reg }
}

// WithClock drives every timer from c. Tests pass a fake clock.
func WithClock(c clock.Clock) RuntimeOption {
	return func(o *runtimeOverrides) { o.clock = c }
}

// WithWakeLock plugs in the platform power service.
func WithWakeLock(w WakeLock) RuntimeOption {
	return func(o *runtimeOverrides) { o.wake = w }
}

// WithDeviceState shares an interactivity flag with the embedding program.
func WithDeviceState(d *device.State) RuntimeOption {
	return func(o *runtimeOverrides) { o.device = d }
}

// WithSessionHook receives every closed session in addition to the recorder.
func WithSessionHook(fn func(SessionRecord)) RuntimeOption {
	return func(o *runtimeOverrides) { o.sessionHook = fn }
}

// WithoutAdmin keeps the admin HTTP server from starting.
func WithoutAdmin() RuntimeOption {
	return func(o *runtimeOverrides) { o.noAdmin = true }
}

// Runtime wires sources, the sensing agent, the override journal and the
// session recorder, and exposes lifecycle hooks for embedding the agent in
// any Go service.
type Runtime struct {
	cfg         *Config
	obs         ports.Observability
	logger      *slog.Logger
	registry    *prometheus.Registry
	clock       clock.Clock
	agent       *agent.Agent
	device      *device.State
	transformer ports.Transformer
	journal     ports.OverrideJournal
	queue       *queue.MemQueue
	recorder    ports.SessionRecorder
	hubs        map[string]*fanout.Hub
	order       []string
	push        *push.Source
	admin       *admin.Server
	closers     []io.Closer

	mu        sync.Mutex
	started   bool
	runCancel context.CancelFunc
	recCancel context.CancelFunc
	runWG     sync.WaitGroup
	recWG     sync.WaitGroup
}

// NewRuntime builds the default adapters named by cfg (simulator, OPC UA
// and push sources, file journal, SQL recorder, Prometheus observability)
// and lets RuntimeOption values override any of them.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (rt *Runtime, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var o runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	r := &Runtime{
		cfg:         cfg,
		clock:       o.clock,
		device:      o.device,
		transformer: o.transformer,
		hubs:        make(map[string]*fanout.Hub),
	}
	defer func() {
		if err != nil {
			r.closeAll()
		}
	}()

	r.logger = o.logger
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.registry = o.registry
	if r.registry == nil {
		r.registry = prometheus.NewRegistry()
		r.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	r.obs = o.obs
	if r.obs == nil {
		r.obs = observability.NewPromObsWith(r.registry, r.logger)
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.device == nil {
		r.device = device.NewState(cfg.Device.Interactive)
	}
	if r.transformer == nil {
		r.transformer = pipeline.Identity{}
	}
	wake := o.wake
	if wake == nil {
		wake = device.NewWakeLock(nil, nil)
	}

	r.journal = o.journal
	if r.journal == nil {
		fj, err := journal.Open(cfg.Journal.Dir)
		if err != nil {
			return nil, err
		}
		r.journal = fj
		r.closers = append(r.closers, fj)
	}

	r.recorder = o.recorder
	if r.recorder == nil && cfg.Recorder.Driver != "" {
		sr, err := recorder.Open(recorder.Dialect(cfg.Recorder.Driver), cfg.Recorder.DSN, cfg.Recorder.Table)
		if err != nil {
			return nil, err
		}
		r.recorder = sr
		r.closers = append(r.closers, sr)
	}
	r.queue = queue.NewMemQueue(cfg.Pipeline.MaxQueueLen)

	impl := o.agent
	if impl == nil {
		impl, err = NewSensingAgent(cfg.Agent)
		if err != nil {
			return nil, err
		}
	}

	hook := o.sessionHook
	a, err := agent.New(impl,
		agent.WithClock(r.clock),
		agent.WithWakeLock(wake),
		agent.WithDeviceState(r.device),
		agent.WithJournal(r.journal),
		agent.WithObservability(r.obs),
		agent.WithBufferCapacity(cfg.Agent.BufferCapacity),
		agent.WithSessionHook(func(rec domain.SessionRecord) {
			if r.recorder != nil {
				pipeline.EnqueueRecord(r.queue, rec, cfg.Pipeline, r.obs)
			}
			if hook != nil {
				hook(rec)
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	r.agent = a

	if err := r.applyInitialPolicy(); err != nil {
		return nil, err
	}

	sources, err := r.buildSources(o.sources)
	if err != nil {
		return nil, err
	}
	for _, src := range sources {
		if _, dup := r.hubs[src.Name()]; dup {
			return nil, fmt.Errorf("duplicate source name %q", src.Name())
		}
		r.hubs[src.Name()] = fanout.NewHub(src, cfg.Pipeline.SourceBuffer)
		r.order = append(r.order, src.Name())
		if rc, ok := src.(ports.RateController); ok {
			for _, kind := range src.Kinds() {
				a.RegisterRateController(kind, src.Name(), rc)
			}
		}
	}

	if !o.noAdmin && cfg.Admin.Addr != "" {
		handler := admin.NewRouter(a, r.device, r.registry, r.obs)
		r.admin = admin.NewServer(cfg.Admin.Addr, handler, r.obs)
	}
	return r, nil
}

func (r *Runtime) applyInitialPolicy() error {
	switch {
	case r.cfg.Agent.PolicyFile != "":
		raw, err := os.ReadFile(r.cfg.Agent.PolicyFile)
		if err != nil {
			return fmt.Errorf("read policy: %w", err)
		}
		if _, err := r.agent.ApplyPolicyBytes(raw); err != nil {
			return fmt.Errorf("policy %s: %w", r.cfg.Agent.PolicyFile, err)
		}
	case len(r.cfg.Agent.Policy) > 0:
		if _, err := r.agent.ApplyPolicy(agent.Document(r.cfg.Agent.Policy)); err != nil {
			return fmt.Errorf("inline policy: %w", err)
		}
	}
	return nil
}

func (r *Runtime) buildSources(extra []ObservationSource) ([]ObservationSource, error) {
	var out []ObservationSource
	if c := r.cfg.Sources.Simulator; c != nil {
		out = append(out, simulator.New(*c, r.clock))
	}
	if c := r.cfg.Sources.OPCUA; c != nil {
		src, err := opcua.NewSource(*c, r.logger)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	if c := r.cfg.Sources.Push; c != nil {
		src, err := push.NewSource(*c, r.clock)
		if err != nil {
			return nil, err
		}
		r.push = src
		out = append(out, src)
	}
	out = append(out, extra...)
	if len(out) == 0 {
		return nil, fmt.Errorf("no observation sources configured")
	}
	return out, nil
}

// Agent exposes the control agent for policy delivery and inspection.
func (r *Runtime) Agent() *agent.Agent { return r.agent }

// Device returns the interactivity flag the agent consults.
func (r *Runtime) Device() *device.State { return r.device }

// Publisher returns the push source, or nil when none is configured.
func (r *Runtime) Publisher() Publisher {
	if r.push == nil {
		return nil
	}
	return r.push
}

// Registry is the Prometheus registry served on /metrics.
func (r *Runtime) Registry() *prometheus.Registry { return r.registry }

// Hub returns the shared hub wrapping the named source. Other consumers
// may subscribe to it without starting the source twice.
func (r *Runtime) Hub(name string) (*fanout.Hub, bool) {
	h, ok := r.hubs[name]
	return h, ok
}

// Latest returns the newest reading of kind from any source if it is no
// older than maxAge.
func (r *Runtime) Latest(kind Kind, maxAge time.Duration) (Observation, bool) {
	now := r.clock.Now()
	for _, name := range r.order {
		if obs, ok := r.hubs[name].Latest(kind, now, maxAge); ok {
			return obs, true
		}
	}
	return Observation{}, false
}

// Start reverts overrides left by a crashed process, then launches ingest,
// the agent tick loop, the recorder and the admin server. It returns
// immediately; use Run to block.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("runtime already started")
	}

	if err := r.agent.Recover(ctx); err != nil {
		r.obs.LogError("recover_failed", err)
	}
	if s, ok := r.recorder.(interface{ EnsureSchema(context.Context) error }); ok {
		if err := s.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("recorder schema: %w", err)
		}
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	recCtx, recCancel := context.WithCancel(context.Background())
	r.runCancel, r.recCancel = runCancel, recCancel

	for _, name := range r.order {
		view := r.hubs[name].View(name + "/agent")
		r.runWG.Add(1)
		go func() {
			defer r.runWG.Done()
			if err := pipeline.RunIngestPipeline(runCtx, view, r.transformer, r.agent, r.cfg.Pipeline, r.obs); err != nil {
				r.obs.LogError("ingest_failed", err, ports.Field{Key: "source", Value: view.Name()})
			}
		}()
	}

	r.runWG.Add(2)
	go func() {
		defer r.runWG.Done()
		if err := r.agent.Run(runCtx); err != nil {
			r.obs.LogError("agent_stop_failed", err)
		}
	}()
	go func() {
		defer r.runWG.Done()
		pipeline.RunGauges(runCtx, r.journal, r.queue, time.Second, r.obs)
	}()

	if r.recorder != nil {
		r.recWG.Add(1)
		go func() {
			defer r.recWG.Done()
			pipeline.RunRecordPipeline(recCtx, r.queue, r.recorder, r.cfg.Pipeline, r.cfg.Recorder.FlushInterval, r.obs)
		}()
	}

	if r.admin != nil {
		r.admin.Start()
	}

	r.started = true
	r.obs.LogInfo("runtime_started",
		ports.Field{Key: "agent", Value: r.agent.Name()},
		ports.Field{Key: "sources", Value: len(r.order)})
	return nil
}

// Run starts the runtime and blocks until ctx is cancelled, then shuts
// down gracefully.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*r.agent.Policy().ReconfigureTimeout()+5*time.Second)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// Shutdown stops ingest, ends any open session through its revert path,
// flushes pending session records, and closes every adapter.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error

	r.mu.Lock()
	started := r.started
	r.started = false
	r.mu.Unlock()

	if started {
		r.runCancel()
		if err := waitGroup(ctx, &r.runWG); err != nil {
			errs = append(errs, err)
		}
		r.recCancel()
		if err := waitGroup(ctx, &r.recWG); err != nil {
			errs = append(errs, err)
		}
	} else if err := r.agent.OnProtocolStop(ctx); err != nil {
		errs = append(errs, err)
	}

	if r.admin != nil {
		if err := r.admin.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range r.order {
		if err := r.hubs[name].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.journal.TruncateCommitted(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, r.closeAll())

	if err := errors.Join(errs...); err != nil {
		return err
	}
	r.obs.LogInfo("runtime_stopped")
	return nil
}

func (r *Runtime) closeAll() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
