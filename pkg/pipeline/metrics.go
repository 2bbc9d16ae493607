package pipeline

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyvo/fwbuild/pkg/buildmgr"
)

var stageBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400}

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	builds        *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	running       prometheus.Gauge
	publishes     *prometheus.CounterVec
}

// NewMetrics registers the pipeline collectors with reg, reusing collectors
// that are already registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fwbuild",
			Subsystem: "pipeline",
			Name:      "builds_total",
			Help:      "Finished builds by terminal state",
		}, []string{"state"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fwbuild",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   stageBuckets,
		}, []string{"stage", "outcome"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fwbuild",
			Subsystem: "pipeline",
			Name:      "builds_running",
			Help:      "Builds currently processed by this worker",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fwbuild",
			Subsystem: "pipeline",
			Name:      "publish_results_total",
			Help:      "Archive publish outcomes",
		}, []string{"outcome"}),
	}

	register := func(c prometheus.Collector) prometheus.Collector {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				return already.ExistingCollector
			}
		}
		return c
	}
	if c, ok := register(m.builds).(*prometheus.CounterVec); ok {
		m.builds = c
	}
	if c, ok := register(m.stageDuration).(*prometheus.HistogramVec); ok {
		m.stageDuration = c
	}
	if c, ok := register(m.running).(prometheus.Gauge); ok {
		m.running = c
	}
	if c, ok := register(m.publishes).(*prometheus.CounterVec); ok {
		m.publishes = c
	}
	return m
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) observeStage(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.stageDuration.With(prometheus.Labels{"stage": stage, "outcome": outcome(err)}).Observe(d.Seconds())
}

func (m *Metrics) buildStarted() {
	if m == nil {
		return
	}
	m.running.Inc()
}

func (m *Metrics) buildFinished(state buildmgr.BuildState) {
	if m == nil {
		return
	}
	m.running.Dec()
	m.builds.With(prometheus.Labels{"state": string(state)}).Inc()
}

func (m *Metrics) published(err error) {
	if m == nil {
		return
	}
	m.publishes.With(prometheus.Labels{"outcome": outcome(err)}).Inc()
}
