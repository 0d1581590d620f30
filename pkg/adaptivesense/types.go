package adaptivesense

import (
	"context"

	"github.com/ghalamif/adaptivesense/internal/adapters/device"
	"github.com/ghalamif/adaptivesense/internal/adapters/push"
	"github.com/ghalamif/adaptivesense/internal/agent"
	"github.com/ghalamif/adaptivesense/internal/clock"
	"github.com/ghalamif/adaptivesense/internal/domain"
	"github.com/ghalamif/adaptivesense/internal/ports"
)

// Observation is one timestamped sensor reading.
type Observation = domain.Observation

// Kind names a sensor stream and partitions the observation buffer.
type Kind = domain.Kind

const (
	KindAcceleration = domain.KindAcceleration
	KindProximity    = domain.KindProximity
	KindLocation     = domain.KindLocation
)

// SessionRecord summarizes one closed control session.
type SessionRecord = domain.SessionRecord

// ControlSession describes the open control episode.
type ControlSession = domain.ControlSession

// State is the control state of the agent.
type State = domain.State

// SensingAgent is the capability set a concrete agent implements. Embed
// agent.Base (re-exported as AgentBase) for default buffering and no-op
// hooks.
type SensingAgent = agent.SensingAgent

type (
	AgentBase          = agent.Base
	Scope              = agent.Scope
	Snapshot           = agent.Snapshot
	ObservationBuffer  = agent.ObservationBuffer
	Policy             = agent.Policy
	PolicyDocument     = agent.Document
	OptionSpec         = agent.OptionSpec
	ConfigurationError = agent.ConfigurationError
)

// ObservationSource streams readings into the agent.
type ObservationSource = ports.ObservationSource

// RateController is implemented by sources whose sampling rate the agent
// may raise during a control session.
type RateController = ports.RateController

// SessionRecorder persists closed session records.
type SessionRecorder = ports.SessionRecorder

// Transformer calibrates observations before the agent sees them.
type Transformer = ports.Transformer

// OverrideJournal makes rate overrides crash safe.
type OverrideJournal = ports.OverrideJournal

// Observability emits logs and metrics.
type Observability = ports.Observability

// Field is a structured log field.
type Field = ports.Field

// WakeLock keeps the device awake during active control.
type WakeLock = ports.WakeLock

// ErrAgentStopped is returned by OnNewData after the runtime shut down.
var ErrAgentStopped = agent.ErrAgentStopped

var (
	ErrPushThrottled  = push.ErrThrottled
	ErrPushNotStarted = push.ErrNotStarted
)

// Publisher feeds readings into a push source.
type Publisher interface {
	Publish(ctx context.Context, obs Observation) error
}

// Clock drives every agent timer.
type Clock = clock.Clock

// RealClock is the wall clock.
func RealClock() Clock { return clock.Real() }

// DeviceState is a settable interactivity flag shared with the agent.
type DeviceState = device.State

func NewDeviceState(interactive bool) *DeviceState { return device.NewState(interactive) }

// NewWakeLock builds a reference-counted wake lock around platform hooks.
// Nil hooks make it purely in-process.
func NewWakeLock(acquire, release func(ctx context.Context) error) WakeLock {
	return device.NewWakeLock(acquire, release)
}
