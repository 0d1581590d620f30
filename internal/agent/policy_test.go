package agent

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *PolicyStore {
	t.Helper()
	specs := mergeOptions(FrameworkOptions(DefaultTiming), (&accelAgent{}).PolicyOptions())
	store, err := NewPolicyStore(specs, func() time.Time { return epoch })
	if err != nil {
		t.Fatalf("NewPolicyStore: %v", err)
	}
	return store
}

func TestPolicyDefaultsBeforeFirstApply(t *testing.T) {
	store := newTestStore(t)
	pol := store.Current()
	if pol.Revision != 0 {
		t.Fatalf("expected revision 0, got %d", pol.Revision)
	}
	if pol.ObservationWindow() != 20*time.Second || pol.ControlDuration() != 10*time.Second || pol.Cooldown() != 5*time.Second {
		t.Fatalf("unexpected default timing: %v %v %v", pol.ObservationWindow(), pol.ControlDuration(), pol.Cooldown())
	}
	if !pol.Bool(OptOpportunisticRequiresInteractive) {
		t.Fatalf("opportunistic control should require an interactive device by default")
	}
	if pol.Float("alm-threshold") != 0.1 {
		t.Fatalf("unexpected default threshold %v", pol.Float("alm-threshold"))
	}
}

func TestPolicyApplyParsesDocument(t *testing.T) {
	store := newTestStore(t)
	doc, err := ParseDocument([]byte(`{"version": "v7", "alm-threshold": 0.25, "control-acc-rate": 60, "control-duration": "30s", "cooldown": 2}`))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	pol, err := store.Apply(doc)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if pol.Revision != 1 || pol.Version != "v7" || !pol.AppliedAt.Equal(epoch) {
		t.Fatalf("unexpected metadata: %+v", pol)
	}
	if pol.Float("alm-threshold") != 0.25 || pol.Float("control-acc-rate") != 60 {
		t.Fatalf("unexpected values: %v", pol.Values())
	}
	if pol.ControlDuration() != 30*time.Second || pol.Cooldown() != 2*time.Second {
		t.Fatalf("unexpected durations: %v %v", pol.ControlDuration(), pol.Cooldown())
	}
	if pol.ObservationWindow() != 20*time.Second {
		t.Fatalf("omitted option should take its default, got %v", pol.ObservationWindow())
	}
	if store.Current() != pol {
		t.Fatalf("applied policy should be current")
	}
}

func TestPolicyRejectionKeepsPrevious(t *testing.T) {
	store := newTestStore(t)
	good, err := store.Apply(Document{"alm-threshold": 0.2, "control-acc-rate": 50})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	cases := []struct {
		name string
		doc  Document
		key  string
	}{
		{"missing required", Document{"alm-threshold": 0.3}, "control-acc-rate"},
		{"below minimum", Document{"alm-threshold": -1, "control-acc-rate": 50}, "alm-threshold"},
		{"wrong type", Document{"alm-threshold": "high", "control-acc-rate": 50}, "alm-threshold"},
		{"bad duration", Document{"alm-threshold": 0.3, "control-acc-rate": 50, "cooldown": "soon"}, "cooldown"},
		{"bad bool", Document{"alm-threshold": 0.3, "control-acc-rate": 50, "cancel-active-session": 3}, "cancel-active-session"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.Apply(tc.doc)
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if cfgErr.Key != tc.key {
				t.Fatalf("error names %q, want %q", cfgErr.Key, tc.key)
			}
			if store.Current() != good {
				t.Fatalf("rejected document replaced the policy")
			}
		})
	}
}

func TestParseDocumentMalformed(t *testing.T) {
	_, err := ParseDocument([]byte("alm-threshold: [0.1"))
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestPolicyStoreRejectsDuplicateKeys(t *testing.T) {
	specs := []OptionSpec{
		{Key: "a", Kind: OptionFloat},
		{Key: "a", Kind: OptionInt},
	}
	if _, err := NewPolicyStore(specs, nil); err == nil {
		t.Fatalf("expected duplicate key error")
	}
}

func TestPolicyIntOptionRejectsValuesBeyondInt64(t *testing.T) {
	store, err := NewPolicyStore([]OptionSpec{{Key: "burst", Kind: OptionInt, Default: int64(4)}}, nil)
	if err != nil {
		t.Fatalf("NewPolicyStore: %v", err)
	}
	for _, v := range []any{1e30, -1e30, float64(1 << 63)} {
		_, err := store.Apply(Document{"burst": v})
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) || cfgErr.Key != "burst" {
			t.Fatalf("value %v: expected ConfigurationError on burst, got %v", v, err)
		}
	}
	pol, err := store.Apply(Document{"burst": int64(1 << 40)})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := pol.Int("burst"); got != 1<<40 {
		t.Fatalf("burst = %d", got)
	}
}

func TestMergeOptionsOverridesDefaults(t *testing.T) {
	merged := mergeOptions(FrameworkOptions(DefaultTiming), TimingOptions(Timing{
		ObservationWindow: time.Minute,
		ControlDuration:   time.Second,
		Cooldown:          0,
	}))
	store, err := NewPolicyStore(merged, nil)
	if err != nil {
		t.Fatalf("NewPolicyStore: %v", err)
	}
	if got := store.Current().ObservationWindow(); got != time.Minute {
		t.Fatalf("agent default should win, got %v", got)
	}
	if len(store.Options()) != len(FrameworkOptions(DefaultTiming)) {
		t.Fatalf("merge should not duplicate keys")
	}
}

func TestPolicyReadsNeverSeePartialApply(t *testing.T) {
	store := newTestStore(t)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			v := float64(i%2 + 1)
			store.Apply(Document{"alm-threshold": v, "control-acc-rate": v * 100})
		}
	}()

	for i := 0; i < 2000; i++ {
		pol := store.Current()
		if pol.Revision == 0 {
			continue
		}
		if pol.Float("control-acc-rate") != pol.Float("alm-threshold")*100 {
			t.Fatalf("torn policy: %v", pol.Values())
		}
	}
	close(stop)
	wg.Wait()
}
