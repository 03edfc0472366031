package staging

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ib-77/stage3/pkg/staging/stats"
)

const (
	// DefaultWorkAhead is the input queue capacity of a step when the config
	// leaves it unset.
	DefaultWorkAhead = 16
)

// Step is one link of a Stage. Batches enter through Receive, are processed
// by the step's workers and are sent to the downstream step.
type Step interface {
	Name() string
	Flags() Flags

	// Start opens the step for Receive. ordering holds the guarantees the
	// whole run upholds.
	Start(ordering Flags) error

	// Receive queues a batch, blocking while the queue is full. It returns
	// how long the caller was blocked.
	Receive(ticket Ticket, batch any) (time.Duration, error)
	// ReceiveContext is Receive bounded by ctx. An expired deadline yields
	// ErrBackpressureTimeout.
	ReceiveContext(ctx context.Context, ticket Ticket, batch any) (time.Duration, error)

	// EndOfUpstream tells the step no more batches will arrive. Once the
	// queue drains the step completes and signals its own downstream.
	EndOfUpstream()

	Status() Status
	IsCompleted() bool
	IsIdle() bool
	// Done is closed when the step reaches a terminal status.
	Done() <-chan struct{}
	// Err is the failure of a Failed step, nil otherwise.
	Err() error
	// AwaitCompleted waits up to timeout for a terminal status. A settled
	// step yields true and its failure, if any. A pipeline panic seen before
	// the step settles yields false and a *PanicError. Timeout yields false, nil.
	AwaitCompleted(timeout time.Duration) (bool, error)

	Stats() stats.StepStats
	MaxProcessors() int
	// Processors changes the number of workers by delta, bounded by
	// [1, MaxProcessors], and returns the resulting count.
	Processors(delta int) int

	// SetDownstream wires the single downstream step. It is called once,
	// before Start.
	SetDownstream(downstream Step) error

	// Close releases goroutines, buffers and collaborator resources. It is
	// idempotent.
	Close() error
}

// Producer is implemented by steps that generate batches instead of
// receiving them. A Stage requires its first step to be a Producer.
type Producer interface {
	Step
	// Produce emits every batch of the source downstream, assigning tickets.
	Produce(ctx context.Context) error
}

// StepConfig is the collaborator-supplied part of a step.
type StepConfig struct {
	Name  string
	Flags Flags
	// Processors is the number of workers at start, default 1.
	Processors int
	// MaxProcessors bounds Processors, default Processors.
	MaxProcessors int
	// WorkAhead is the input queue capacity, default DefaultWorkAhead.
	WorkAhead int
	Logger    *zap.SugaredLogger
	// OnClose releases collaborator resources; it runs once, on Close.
	OnClose func() error
}

func (c StepConfig) withDefaults() StepConfig {
	if c.Processors < 1 {
		c.Processors = 1
	}
	if c.MaxProcessors < c.Processors {
		c.MaxProcessors = c.Processors
	}
	if c.WorkAhead < 1 {
		c.WorkAhead = DefaultWorkAhead
	}
	return c
}
