// Package promstats exports staging statistics to Prometheus.
//
// Collector turns every StepStats snapshot into const metrics at scrape time,
// labelled by stage and step. Cumulative keys become counters, durations are
// reported in seconds. ExecutionMetrics is a staging.ExecutionMonitor that
// records stage runs.
package promstats

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ib-77/stage3/pkg/staging/stats"
)

// Source is anything publishing step statistics under a name, typically a
// *staging.Stage.
type Source interface {
	Name() string
	Stats() []stats.StepStats
}

// Collector is an unchecked prometheus.Collector: the set of metrics depends
// on the keys the registered sources publish.
type Collector struct {
	namespace string

	mu      sync.Mutex
	sources []Source
	descs   map[stats.Key]*prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(namespace string, sources ...Source) *Collector {
	return &Collector{
		namespace: namespace,
		sources:   sources,
		descs:     make(map[stats.Key]*prometheus.Desc),
	}
}

// Add registers another source. Safe while being scraped.
func (c *Collector) Add(src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, src)
}

// Describe sends nothing, which makes the collector unchecked.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	sources := append([]Source(nil), c.sources...)
	c.mu.Unlock()

	for _, src := range sources {
		for _, st := range src.Stats() {
			for _, k := range st.Keys() {
				v, _ := st.Stat(k)
				ch <- prometheus.MustNewConstMetric(c.desc(k), valueType(k), value(k, v), src.Name(), st.Step)
			}
		}
	}
}

func (c *Collector) desc(k stats.Key) *prometheus.Desc {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.descs[k]; ok {
		return d
	}
	d := prometheus.NewDesc(
		prometheus.BuildFQName(c.namespace, "step", MetricName(k)),
		"Staging step statistic "+string(k)+".",
		[]string{"stage", "step"}, nil,
	)
	c.descs[k] = d
	return d
}

// MetricName is the metric name suffix used for k.
func MetricName(k stats.Key) string {
	name := strings.TrimSuffix(string(k), "_time")
	if k.IsDuration() {
		name += "_seconds"
	}
	if k.IsCumulative() {
		name += "_total"
	}
	return name
}

func valueType(k stats.Key) prometheus.ValueType {
	if k.IsCumulative() {
		return prometheus.CounterValue
	}
	return prometheus.GaugeValue
}

func value(k stats.Key, v int64) float64 {
	if k.IsDuration() {
		return float64(v) / 1e9
	}
	return float64(v)
}
