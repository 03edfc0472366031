// Package stats implements the per-step statistics registry of the staging
// engine. Worker goroutines update counters and timers with atomic
// operations only; readers take an immutable StepStats snapshot at any time
// without blocking the data path.
//
// Key operations:
// - Registry.Counter/Timer/Gauge: declare statistics before a step starts
// - Registry.Snapshot: produce a StepStats for progress reporting
// - StepStats.Long/Duration: read a single statistic
package stats
