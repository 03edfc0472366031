package promstats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ib-77/stage3/pkg/staging"
)

// ExecutionMetrics records stage runs. It implements staging.ExecutionMonitor.
type ExecutionMetrics struct {
	interval time.Duration

	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	activeSteps *prometheus.GaugeVec
}

var _ staging.ExecutionMonitor = (*ExecutionMetrics)(nil)

// NewExecutionMetrics registers the run metrics with reg. interval controls
// how often the active step gauge is refreshed.
func NewExecutionMetrics(reg prometheus.Registerer, namespace string, interval time.Duration) *ExecutionMetrics {
	f := promauto.With(reg)
	return &ExecutionMetrics{
		interval: interval,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "runs_total",
			Help:      "Stage executions by outcome.",
		}, []string{"stage", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "run_duration_seconds",
			Help:      "Wall time of stage executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage"}),
		activeSteps: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "active_steps",
			Help:      "Steps currently processing a batch.",
		}, []string{"stage"}),
	}
}

func (m *ExecutionMetrics) Interval() time.Duration {
	return m.interval
}

func (m *ExecutionMetrics) Start(p staging.Progress) {
	m.activeSteps.WithLabelValues(p.Stage).Set(float64(p.Active))
}

func (m *ExecutionMetrics) Check(p staging.Progress) {
	m.activeSteps.WithLabelValues(p.Stage).Set(float64(p.Active))
}

func (m *ExecutionMetrics) End(p staging.Progress, err error) {
	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	m.runs.WithLabelValues(p.Stage, outcome).Inc()
	m.duration.WithLabelValues(p.Stage).Observe(p.Elapsed.Seconds())
	m.activeSteps.WithLabelValues(p.Stage).Set(0)
}
