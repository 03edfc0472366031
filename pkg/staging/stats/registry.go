package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type entry struct {
	key  Key
	read func() int64

	// timer entries read one timing loaded per snapshot, so total, average
	// and maximum always come from the same generation.
	timer int
	pick  func(timing) int64
}

// Registry holds the statistics a single step publishes. Statistics are
// declared before the step starts; afterwards the registry is read-only and
// Snapshot needs no lock.
type Registry struct {
	entries []entry
	index   map[Key]int
	timers  []*Timer
}

func NewRegistry() *Registry {
	return &Registry{index: make(map[Key]int)}
}

func (r *Registry) add(e entry) {
	if i, ok := r.index[e.key]; ok {
		r.entries[i] = e
		return
	}
	r.index[e.key] = len(r.entries)
	r.entries = append(r.entries, e)
}

// Counter declares and returns a counter published under k.
func (r *Registry) Counter(k Key) *Counter {
	c := &Counter{}
	r.add(entry{key: k, read: c.Load, timer: -1})
	return c
}

// Timer declares a timer publishing its total, average and maximum under
// the given keys. Empty keys are not published.
func (r *Registry) Timer(total, avg, maxKey Key) *Timer {
	t := &Timer{}
	idx := len(r.timers)
	r.timers = append(r.timers, t)
	if total != "" {
		r.add(entry{key: total, timer: idx, pick: func(v timing) int64 { return v.total }})
	}
	if avg != "" {
		r.add(entry{key: avg, timer: idx, pick: timing.average})
	}
	if maxKey != "" {
		r.add(entry{key: maxKey, timer: idx, pick: func(v timing) int64 { return v.max }})
	}
	return t
}

// Gauge publishes the value returned by read at snapshot time.
func (r *Registry) Gauge(k Key, read func() int64) {
	r.add(entry{key: k, read: read, timer: -1})
}

// Snapshot captures every declared statistic for the named step.
func (r *Registry) Snapshot(step string) StepStats {
	loaded := make([]timing, len(r.timers))
	for i, t := range r.timers {
		loaded[i] = t.load()
	}

	values := make(map[Key]int64, len(r.entries))
	keys := make([]Key, 0, len(r.entries))
	for _, e := range r.entries {
		if e.timer >= 0 {
			values[e.key] = e.pick(loaded[e.timer])
		} else {
			values[e.key] = e.read()
		}
		keys = append(keys, e.key)
	}
	return StepStats{Step: step, at: time.Now(), keys: keys, values: values}
}

// StepStats is an immutable snapshot of one step's statistics.
type StepStats struct {
	Step   string
	at     time.Time
	keys   []Key
	values map[Key]int64
}

// Stat returns the value under k and whether the step publishes it.
func (s StepStats) Stat(k Key) (int64, bool) {
	v, ok := s.values[k]
	return v, ok
}

// Long returns the value under k, or zero when it is not published.
func (s StepStats) Long(k Key) int64 {
	return s.values[k]
}

func (s StepStats) Duration(k Key) time.Duration {
	return time.Duration(s.values[k])
}

// Keys lists the published keys in declaration order.
func (s StepStats) Keys() []Key {
	return append([]Key(nil), s.keys...)
}

// At is the capture time of the snapshot.
func (s StepStats) At() time.Time {
	return s.at
}

// Values copies the snapshot into a plain map.
func (s StepStats) Values() map[Key]int64 {
	out := make(map[Key]int64, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s StepStats) String() string {
	keys := s.Keys()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var b strings.Builder
	b.WriteString(s.Step)
	b.WriteString("[")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(" ")
		}
		if k.IsDuration() {
			fmt.Fprintf(&b, "%s=%s", k, time.Duration(s.values[k]))
		} else {
			fmt.Fprintf(&b, "%s=%d", k, s.values[k])
		}
	}
	b.WriteString("]")
	return b.String()
}
