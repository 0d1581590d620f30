package adaptivesense

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	base "github.com/ghalamif/adaptivesense/pkg/adaptivesense"
)

// Re-exported errors for convenience.
var (
	ErrUnknownAgent          = base.ErrUnknownAgent
	ErrChannelRecorderClosed = base.ErrChannelRecorderClosed
	ErrAgentStopped          = base.ErrAgentStopped
	ErrPushThrottled         = base.ErrPushThrottled
	ErrPushNotStarted        = base.ErrPushNotStarted
)

const (
	KindAcceleration = base.KindAcceleration
	KindProximity    = base.KindProximity
	KindLocation     = base.KindLocation
)

// Type aliases so consumers can import github.com/ghalamif/adaptivesense directly.
type (
	Config             = base.Config
	AgentConfig        = base.AgentConfig
	ThresholdAgent     = base.ThresholdAgent
	SourcesConfig      = base.SourcesConfig
	Publisher          = base.Publisher
	JournalConfig      = base.JournalConfig
	RecorderConfig     = base.RecorderConfig
	AdminConfig        = base.AdminConfig
	DeviceConfig       = base.DeviceConfig
	Backpressure       = base.Backpressure
	SimulatorConfig    = base.SimulatorConfig
	SimulatorPhase     = base.SimulatorPhase
	OPCUAConfig        = base.OPCUAConfig
	OPCUANodeConfig    = base.OPCUANodeConfig
	PushConfig         = base.PushConfig
	Runtime            = base.Runtime
	RuntimeOption      = base.RuntimeOption
	AgentFactory       = base.AgentFactory
	RecordFunc         = base.RecordFunc
	Observation        = base.Observation
	Kind               = base.Kind
	SessionRecord      = base.SessionRecord
	ControlSession     = base.ControlSession
	State              = base.State
	SensingAgent       = base.SensingAgent
	AgentBase          = base.AgentBase
	Scope              = base.Scope
	Snapshot           = base.Snapshot
	ObservationBuffer  = base.ObservationBuffer
	Policy             = base.Policy
	PolicyDocument     = base.PolicyDocument
	OptionSpec         = base.OptionSpec
	ConfigurationError = base.ConfigurationError
	ObservationSource  = base.ObservationSource
	RateController     = base.RateController
	SessionRecorder    = base.SessionRecorder
	Transformer        = base.Transformer
	OverrideJournal    = base.OverrideJournal
	Observability      = base.Observability
	Field              = base.Field
	WakeLock           = base.WakeLock
	Clock              = base.Clock
	DeviceState        = base.DeviceState
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

// Agent registry.
func RegisterAgent(name string, factory AgentFactory) {
	base.RegisterAgent(name, factory)
}

func NewSensingAgent(cfg AgentConfig) (SensingAgent, error) {
	return base.NewSensingAgent(cfg)
}

func AgentTypes() []string {
	return base.AgentTypes()
}

func PolicyOptions(cfg AgentConfig) ([]OptionSpec, error) {
	return base.PolicyOptions(cfg)
}

func ValidatePolicy(cfg AgentConfig, raw []byte) (*Policy, error) {
	return base.ValidatePolicy(cfg, raw)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithSensingAgent(a SensingAgent) RuntimeOption       { return base.WithSensingAgent(a) }
func WithSource(src ObservationSource) RuntimeOption      { return base.WithSource(src) }
func WithRecorder(r SessionRecorder) RuntimeOption        { return base.WithRecorder(r) }
func WithTransformer(t Transformer) RuntimeOption         { return base.WithTransformer(t) }
func WithJournal(j OverrideJournal) RuntimeOption         { return base.WithJournal(j) }
func WithObservability(obs Observability) RuntimeOption   { return base.WithObservability(obs) }
func WithLogger(l *slog.Logger) RuntimeOption             { return base.WithLogger(l) }
func WithRegistry(reg *prometheus.Registry) RuntimeOption { return base.WithRegistry(reg) }
func WithClock(c Clock) RuntimeOption                     { return base.WithClock(c) }
func WithWakeLock(w WakeLock) RuntimeOption               { return base.WithWakeLock(w) }
func WithDeviceState(d *DeviceState) RuntimeOption        { return base.WithDeviceState(d) }
func WithSessionHook(fn func(SessionRecord)) RuntimeOption {
	return base.WithSessionHook(fn)
}
func WithoutAdmin() RuntimeOption { return base.WithoutAdmin() }

// Recorder adapters.
func NewCallbackRecorder(name string, fn RecordFunc) SessionRecorder {
	return base.NewCallbackRecorder(name, fn)
}

func NewChannelRecorder(name string, buffer int) (SessionRecorder, <-chan []SessionRecord, func()) {
	return base.NewChannelRecorder(name, buffer)
}

// Device helpers.
func RealClock() Clock { return base.RealClock() }

func NewDeviceState(interactive bool) *DeviceState { return base.NewDeviceState(interactive) }

func NewWakeLock(acquire, release func(ctx context.Context) error) WakeLock {
	return base.NewWakeLock(acquire, release)
}
