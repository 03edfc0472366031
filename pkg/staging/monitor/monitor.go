// Package monitor provides execution monitors that report stage progress
// through the structured logger.
package monitor

import (
	"time"

	"go.uber.org/zap"

	"github.com/ib-77/stage3/pkg/logger"
	"github.com/ib-77/stage3/pkg/staging"
	"github.com/ib-77/stage3/pkg/staging/stats"
)

// LoggingMonitor logs a progress line every interval and a per-step summary
// when the stage ends.
type LoggingMonitor struct {
	log      *zap.SugaredLogger
	interval time.Duration
}

var _ staging.ExecutionMonitor = (*LoggingMonitor)(nil)

// NewLoggingMonitor logs to a child of log, or of the global logger when log
// is nil.
func NewLoggingMonitor(log *zap.SugaredLogger, interval time.Duration) *LoggingMonitor {
	return &LoggingMonitor{log: logger.Named(log, "progress"), interval: interval}
}

func (m *LoggingMonitor) Interval() time.Duration {
	return m.interval
}

func (m *LoggingMonitor) Start(p staging.Progress) {
	m.log.Infow("stage started", "stage", p.Stage, "run_id", p.RunID, "steps", p.Total)
}

func (m *LoggingMonitor) Check(p staging.Progress) {
	m.log.Infow(p.String(),
		"stage", p.Stage,
		"run_id", p.RunID,
		"elapsed", p.Elapsed.Round(time.Millisecond),
		"bottleneck", bottleneck(p.Steps),
	)
}

func (m *LoggingMonitor) End(p staging.Progress, err error) {
	for _, st := range p.Steps {
		m.log.Debugw("step summary", "stage", p.Stage, "step", st.Step, "stats", st.String())
	}
	if err != nil {
		m.log.Warnw("stage ended with failure", "stage", p.Stage, "run_id", p.RunID,
			"elapsed", p.Elapsed.Round(time.Millisecond), "error", err)
		return
	}
	m.log.Infow("stage ended", "stage", p.Stage, "run_id", p.RunID,
		"elapsed", p.Elapsed.Round(time.Millisecond), "completed", p.Completed)
}

// bottleneck names the step whose upstream waits longest on it: the one
// with the highest backpressure time. Empty when nothing blocked yet.
func bottleneck(steps []stats.StepStats) string {
	var (
		name  string
		worst time.Duration
	)
	for _, st := range steps {
		if d := st.Duration(stats.BackpressureTime); d > worst {
			name, worst = st.Step, d
		}
	}
	return name
}
