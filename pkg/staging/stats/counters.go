package stats

import (
	"sync/atomic"
	"time"
)

// Counter is a monotonically adjusted int64.
type Counter struct {
	v atomic.Int64
}

func (c *Counter) Add(delta int64) {
	c.v.Add(delta)
}

func (c *Counter) Inc() {
	c.v.Add(1)
}

// AddDuration adds d in nanoseconds. Negative durations are ignored.
func (c *Counter) AddDuration(d time.Duration) {
	if d > 0 {
		c.v.Add(int64(d))
	}
}

func (c *Counter) Load() int64 {
	return c.v.Load()
}

// timing is published as a whole so count, total and max are always read
// together.
type timing struct {
	count int64
	total int64
	max   int64
}

// Timer aggregates observed durations. Record publishes a fresh timing via
// compare-and-swap.
type Timer struct {
	p atomic.Pointer[timing]
}

func (t *Timer) Record(d time.Duration) {
	if d < 0 {
		d = 0
	}
	for {
		cur := t.p.Load()
		next := &timing{count: 1, total: int64(d), max: int64(d)}
		if cur != nil {
			next.count = cur.count + 1
			next.total = cur.total + int64(d)
			next.max = max(cur.max, int64(d))
		}
		if t.p.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (t *Timer) load() timing {
	if cur := t.p.Load(); cur != nil {
		return *cur
	}
	return timing{}
}

func (v timing) average() int64 {
	if v.count == 0 {
		return 0
	}
	return v.total / v.count
}

// Snapshot returns the observation count, the total and the maximum.
func (t *Timer) Snapshot() (count int64, total, maxD time.Duration) {
	v := t.load()
	return v.count, time.Duration(v.total), time.Duration(v.max)
}

// Average is zero until the first observation.
func (t *Timer) Average() time.Duration {
	return time.Duration(t.load().average())
}
