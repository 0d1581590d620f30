package observability

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghalamif/adaptivesense/internal/ports"
)

// PromObs logs through slog and exports the agent's counters, gauges and
// histograms to Prometheus. Unknown metric names are ignored.
type PromObs struct {
	logger *slog.Logger

	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

var _ ports.Observability = (*PromObs)(nil)

// NewPromObs registers on the default Prometheus registerer.
func NewPromObs(logger *slog.Logger) *PromObs {
	return NewPromObsWith(prometheus.DefaultRegisterer, logger)
}

func NewPromObsWith(reg prometheus.Registerer, logger *slog.Logger) *PromObs {
	if logger == nil {
		logger = slog.Default()
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}

	p := &PromObs{
		logger: logger,
		counters: map[string]prometheus.Counter{
			"sense_observations_ingested_total":    counter("sense_observations_ingested_total", "Observations accepted into the agent buffer."),
			"sense_observations_dropped_total":     counter("sense_observations_dropped_total", "Observations rejected by a transformer or a stopped agent."),
			"sense_evaluation_errors_total":        counter("sense_evaluation_errors_total", "Criterion evaluations that failed and counted as not met."),
			"sense_control_sessions_total":         counter("sense_control_sessions_total", "Control sessions that reached UnderControl."),
			"sense_control_failures_total":         counter("sense_control_failures_total", "Control entries aborted by a resource failure."),
			"sense_rate_reconfigure_retries_total": counter("sense_rate_reconfigure_retries_total", "Sampling-rate reconfigurations retried after a failure."),
			"sense_policy_rejected_total":          counter("sense_policy_rejected_total", "Policy documents rejected by validation."),
			"sense_records_written_total":          counter("sense_records_written_total", "Session records committed to the recorder."),
			"sense_record_queue_dropped_total":     counter("sense_record_queue_dropped_total", "Session records lost to queue backpressure."),
		},
		gauges: map[string]prometheus.Gauge{
			"sense_agent_state":         gauge("sense_agent_state", "Control state: 0 idle, 1 entering, 2 under control, 3 ending."),
			"sense_wake_lock_held":      gauge("sense_wake_lock_held", "1 while a control session holds the wake lock."),
			"sense_record_queue_length": gauge("sense_record_queue_length", "Session records waiting for the recorder."),
			"sense_journal_size_bytes":  gauge("sense_journal_size_bytes", "Size of the override journal on disk."),
		},
		histos: map[string]prometheus.Observer{},
	}

	sessionSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sense_control_session_seconds",
		Help:    "Wall time from EnteringControl to Idle.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
	recorderLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sense_recorder_latency_seconds",
		Help:    "Latency of one recorder batch write.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	p.histos["sense_control_session_seconds"] = sessionSeconds
	p.histos["sense_recorder_latency_seconds"] = recorderLatency

	collectors := []prometheus.Collector{sessionSeconds, recorderLatency}
	for _, c := range p.counters {
		collectors = append(collectors, c)
	}
	for _, g := range p.gauges {
		collectors = append(collectors, g)
	}
	reg.MustRegister(collectors...)
	return p
}

// Counter returns the registered counter called name.
func (p *PromObs) Counter(name string) (prometheus.Counter, bool) {
	c, ok := p.counters[name]
	return c, ok
}

// Logger returns the logger events are written to.
func (p *PromObs) Logger() *slog.Logger { return p.logger }

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.logger.Info(msg, attrs(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.logger.Error(msg, append(attrs(fields), slog.Any("err", err))...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.logger.Error(msg, append(attrs(fields), slog.Any("err", err), slog.Bool("critical", true))...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func attrs(fields []ports.Field) []any {
	out := make([]any, 0, len(fields)+2)
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

var (
	nopOnce sync.Once
	nop     *PromObs
)

// Discard returns a PromObs with a private registry and a logger that drops
// everything. Tests and embedded runtimes without metrics use it.
func Discard() *PromObs {
	nopOnce.Do(func() {
		nop = NewPromObsWith(prometheus.NewRegistry(), slog.New(slog.DiscardHandler))
	})
	return nop
}
