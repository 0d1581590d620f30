package agent

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Options every agent recognizes. Concrete agents may redeclare them to
// change the defaults.
const (
	OptObservationWindow                = "observation-window"
	OptControlDuration                  = "control-duration"
	OptCooldown                         = "cooldown"
	OptOpportunisticRequiresInteractive = "opportunistic-requires-interactive"
	OptOpportunisticWakeLock            = "opportunistic-wake-lock"
	OptEndWhenCriterionClears           = "end-when-criterion-clears"
	OptCancelActiveSession              = "cancel-active-session"
	OptReconfigureTimeout               = "reconfigure-timeout"
)

type OptionKind int

const (
	OptionFloat OptionKind = iota + 1
	OptionInt
	OptionDuration
	OptionBool
	OptionString
)

func (k OptionKind) String() string {
	switch k {
	case OptionFloat:
		return "float"
	case OptionInt:
		return "int"
	case OptionDuration:
		return "duration"
	case OptionBool:
		return "bool"
	case OptionString:
		return "string"
	default:
		return "unknown"
	}
}

// OptionSpec declares one recognized policy option. Min and Max bound
// numeric options; durations are bounded in seconds.
type OptionSpec struct {
	Key      string
	Kind     OptionKind
	Required bool
	Default  any
	Min      *float64
	Max      *float64
	Usage    string
}

// Bound is a helper for OptionSpec.Min and OptionSpec.Max.
func Bound(v float64) *float64 { return &v }

// Timing holds the per-agent default durations.
type Timing struct {
	ObservationWindow time.Duration
	ControlDuration   time.Duration
	Cooldown          time.Duration
}

var DefaultTiming = Timing{
	ObservationWindow: 20 * time.Second,
	ControlDuration:   10 * time.Second,
	Cooldown:          5 * time.Second,
}

// TimingOptions declares the three timing options with the given defaults.
func TimingOptions(t Timing) []OptionSpec {
	return []OptionSpec{
		{Key: OptObservationWindow, Kind: OptionDuration, Default: t.ObservationWindow, Min: Bound(0.001),
			Usage: "interval between time-driven criterion checks"},
		{Key: OptControlDuration, Kind: OptionDuration, Default: t.ControlDuration, Min: Bound(0.001),
			Usage: "how long a control session stays open"},
		{Key: OptCooldown, Kind: OptionDuration, Default: t.Cooldown, Min: Bound(0),
			Usage: "minimum idle time between control sessions"},
	}
}

// FrameworkOptions lists the options the state machine itself consumes.
func FrameworkOptions(t Timing) []OptionSpec {
	return append(TimingOptions(t),
		OptionSpec{Key: OptOpportunisticRequiresInteractive, Kind: OptionBool, Default: true,
			Usage: "only enter opportunistic control while the device is interactive"},
		OptionSpec{Key: OptOpportunisticWakeLock, Kind: OptionBool, Default: false,
			Usage: "hold the wake lock during opportunistic control"},
		OptionSpec{Key: OptEndWhenCriterionClears, Kind: OptionBool, Default: true,
			Usage: "end a session early when a periodic check finds the criterion cleared"},
		OptionSpec{Key: OptCancelActiveSession, Kind: OptionBool, Default: false,
			Usage: "cancel the open session when this policy is applied"},
		OptionSpec{Key: OptReconfigureTimeout, Kind: OptionDuration, Default: 5 * time.Second, Min: Bound(0.001),
			Usage: "bound on each wake lock or sampling-rate reconfiguration call"},
	)
}

// mergeOptions overlays agent specs on base specs by key.
func mergeOptions(base, overlay []OptionSpec) []OptionSpec {
	idx := make(map[string]int, len(base)+len(overlay))
	out := make([]OptionSpec, 0, len(base)+len(overlay))
	for _, set := range [][]OptionSpec{base, overlay} {
		for _, spec := range set {
			if i, ok := idx[spec.Key]; ok {
				out[i] = spec
				continue
			}
			idx[spec.Key] = len(out)
			out = append(out, spec)
		}
	}
	return out
}

// Document is a server-delivered policy: named options with loosely typed values.
type Document map[string]any

// ParseDocument decodes a YAML or JSON policy document.
func ParseDocument(raw []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &ConfigurationError{Reason: "malformed document", Err: err}
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// Policy is an immutable, validated snapshot. Revision 0 means no document
// has been applied and every value is an option default.
type Policy struct {
	Revision  uint64
	Version   string
	AppliedAt time.Time

	values map[string]any
}

func (p *Policy) Has(key string) bool {
	_, ok := p.values[key]
	return ok
}

func (p *Policy) Float(key string) float64 {
	v, _ := p.values[key].(float64)
	return v
}

func (p *Policy) Int(key string) int64 {
	v, _ := p.values[key].(int64)
	return v
}

func (p *Policy) Duration(key string) time.Duration {
	v, _ := p.values[key].(time.Duration)
	return v
}

func (p *Policy) Bool(key string) bool {
	v, _ := p.values[key].(bool)
	return v
}

func (p *Policy) String(key string) string {
	v, _ := p.values[key].(string)
	return v
}

func (p *Policy) ObservationWindow() time.Duration  { return p.Duration(OptObservationWindow) }
func (p *Policy) ControlDuration() time.Duration    { return p.Duration(OptControlDuration) }
func (p *Policy) Cooldown() time.Duration           { return p.Duration(OptCooldown) }
func (p *Policy) ReconfigureTimeout() time.Duration { return p.Duration(OptReconfigureTimeout) }

// Values returns a copy of the normalized option values.
func (p *Policy) Values() map[string]any {
	out := make(map[string]any, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// PolicyStore validates documents against declared options and swaps the
// active snapshot atomically.
type PolicyStore struct {
	specs []OptionSpec
	now   func() time.Time

	mu       sync.Mutex
	revision uint64
	current  atomic.Pointer[Policy]
}

func NewPolicyStore(specs []OptionSpec, now func() time.Time) (*PolicyStore, error) {
	if now == nil {
		now = time.Now
	}
	seen := make(map[string]bool, len(specs))
	defaults := make(map[string]any, len(specs))
	for _, spec := range specs {
		if spec.Key == "" {
			return nil, fmt.Errorf("policy option with empty key")
		}
		if seen[spec.Key] {
			return nil, fmt.Errorf("policy option %q declared twice", spec.Key)
		}
		seen[spec.Key] = true
		if spec.Default == nil {
			continue
		}
		v, err := normalize(spec, spec.Default)
		if err != nil {
			return nil, fmt.Errorf("default for %q: %w", spec.Key, err)
		}
		defaults[spec.Key] = v
	}

	s := &PolicyStore{specs: specs, now: now}
	s.current.Store(&Policy{values: defaults})
	return s, nil
}

// Options returns the recognized options sorted by key.
func (s *PolicyStore) Options() []OptionSpec {
	out := append([]OptionSpec(nil), s.specs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *PolicyStore) Current() *Policy { return s.current.Load() }

// Validate checks doc without applying it.
func (s *PolicyStore) Validate(doc Document) error {
	_, err := s.build(doc)
	return err
}

// Apply validates doc and, only if every option passes, makes it current.
func (s *PolicyStore) Apply(doc Document) (*Policy, error) {
	values, err := s.build(doc)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.revision++
	p := &Policy{
		Revision:  s.revision,
		Version:   documentVersion(doc),
		AppliedAt: s.now(),
		values:    values,
	}
	s.current.Store(p)
	return p, nil
}

func (s *PolicyStore) build(doc Document) (map[string]any, error) {
	values := make(map[string]any, len(s.specs))
	for _, spec := range s.specs {
		raw, present := doc[spec.Key]
		if !present || raw == nil {
			if spec.Required {
				return nil, &ConfigurationError{Key: spec.Key, Reason: "required option missing"}
			}
			if spec.Default != nil {
				v, err := normalize(spec, spec.Default)
				if err != nil {
					return nil, &ConfigurationError{Key: spec.Key, Reason: "invalid default", Err: err}
				}
				values[spec.Key] = v
			}
			continue
		}
		v, err := normalize(spec, raw)
		if err != nil {
			return nil, &ConfigurationError{Key: spec.Key, Reason: "invalid value", Err: err}
		}
		values[spec.Key] = v
	}
	return values, nil
}

func documentVersion(doc Document) string {
	v, ok := doc["version"]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func normalize(spec OptionSpec, raw any) (any, error) {
	switch spec.Kind {
	case OptionFloat:
		f, err := toFloat(raw)
		if err != nil {
			return nil, err
		}
		return f, checkRange(spec, f)
	case OptionInt:
		f, err := toFloat(raw)
		if err != nil {
			return nil, err
		}
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("expected integer, got %v", raw)
		}
		if f >= math.MaxInt64 || f < math.MinInt64 {
			return nil, fmt.Errorf("integer %v out of range", raw)
		}
		return int64(f), checkRange(spec, f)
	case OptionDuration:
		d, err := toDuration(raw)
		if err != nil {
			return nil, err
		}
		return d, checkRange(spec, d.Seconds())
	case OptionBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("expected bool, got %q", v)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("expected bool, got %T", raw)
		}
	case OptionString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case bool, int, int64, float64:
			return fmt.Sprint(v), nil
		default:
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
	default:
		return nil, fmt.Errorf("unsupported option kind %d", spec.Kind)
	}
}

func checkRange(spec OptionSpec, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%v is not finite", v)
	}
	if spec.Min != nil && v < *spec.Min {
		return fmt.Errorf("%v below minimum %v", v, *spec.Min)
	}
	if spec.Max != nil && v > *spec.Max {
		return fmt.Errorf("%v above maximum %v", v, *spec.Max)
	}
	return nil
}

func toFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", raw)
	}
}

// toDuration accepts Go duration strings or a number of seconds.
func toDuration(raw any) (time.Duration, error) {
	switch v := raw.(type) {
	case time.Duration:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if d, err := time.ParseDuration(s); err == nil {
			return d, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("expected duration, got %q", v)
		}
		return time.Duration(f * float64(time.Second)), nil
	default:
		f, err := toFloat(raw)
		if err != nil {
			return 0, fmt.Errorf("expected duration: %w", err)
		}
		return time.Duration(f * float64(time.Second)), nil
	}
}
