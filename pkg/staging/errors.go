package staging

import (
	"fmt"
	"strings"

	"github.com/ib-77/stage3/pkg/errors"
)

var (
	// ErrLifecycleViolation marks programming errors: receiving before start
	// or after end of upstream, wiring a step twice, executing a stage twice.
	ErrLifecycleViolation = errors.New("lifecycle violation")
	// ErrBackpressureTimeout is returned by ReceiveContext when its deadline
	// expires while the queue is full. It does not panic the pipeline.
	ErrBackpressureTimeout = errors.New("backpressure timeout")
	// ErrPanicked is matched by every error returned from a call that was cut
	// short by a pipeline panic.
	ErrPanicked = errors.New("pipeline panicked")
	// ErrWorkerFault is matched by *WorkerFault.
	ErrWorkerFault = errors.New("worker fault")
	// ErrResourceRelease is matched by *ReleaseFault.
	ErrResourceRelease = errors.New("resource release fault")
	// ErrTicketSequence reports a skipped or duplicated ticket.
	ErrTicketSequence = errors.New("ticket sequence broken")
)

// WorkerFault is an error raised while a step processed (or produced) a
// batch. It always panics the pipeline.
type WorkerFault struct {
	Step   string
	Ticket Ticket
	Cause  error
}

func (f *WorkerFault) Error() string {
	return fmt.Sprintf("step %q failed on ticket %d: %v", f.Step, f.Ticket, f.Cause)
}

func (f *WorkerFault) Unwrap() error {
	return f.Cause
}

func (f *WorkerFault) Is(target error) bool {
	return target == ErrWorkerFault
}

// PanicError is returned by a blocked or rejected call once the pipeline has
// panicked. Cause is the originating error.
type PanicError struct {
	Step  string
	Cause error
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("step %q halted: pipeline panicked: %v", e.Step, e.Cause)
}

func (e *PanicError) Unwrap() error {
	return e.Cause
}

func (e *PanicError) Is(target error) bool {
	return target == ErrPanicked
}

// ReleaseFault is an error returned while closing a step.
type ReleaseFault struct {
	Step  string
	Cause error
}

func (f *ReleaseFault) Error() string {
	return fmt.Sprintf("close step %q: %v", f.Step, f.Cause)
}

func (f *ReleaseFault) Unwrap() error {
	return f.Cause
}

func (f *ReleaseFault) Is(target error) bool {
	return target == ErrResourceRelease
}

// ExecutionError is returned by Stage.Execute when the run panicked or a step
// failed to release its resources.
type ExecutionError struct {
	Stage string
	RunID string
	// Step is where the panic originated; empty when only Release is set.
	Step    string
	Cause   error
	Release []error
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage %q (run %s)", e.Stage, e.RunID)
	if e.Cause != nil {
		if e.Step != "" {
			fmt.Fprintf(&b, ": step %q", e.Step)
		}
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if len(e.Release) > 0 {
		fmt.Fprintf(&b, "; %d release fault(s)", len(e.Release))
		for _, r := range e.Release {
			fmt.Fprintf(&b, "; %v", r)
		}
	}
	return b.String()
}

func (e *ExecutionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Release)+1)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return append(errs, e.Release...)
}

func lifecycleViolation(format string, args ...interface{}) error {
	return errors.Wrapf(ErrLifecycleViolation, format, args...)
}
