package staging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ib-77/stage3/pkg/errors"
	"github.com/ib-77/stage3/pkg/logger"
	"github.com/ib-77/stage3/pkg/staging/stats"
)

// stepBase holds the lifecycle shared by producer and processor steps.
type stepBase struct {
	name    string
	flags   Flags
	monitor *PanicMonitor
	log     *zap.SugaredLogger
	stats   *stats.Registry
	onClose func() error

	ctx    context.Context
	cancel context.CancelFunc

	status     atomic.Int32
	done       chan struct{}
	finishOnce sync.Once
	failure    error

	wireMu     sync.Mutex
	downstream Step

	closeOnce sync.Once
	closeErr  error
}

func newStepBase(monitor *PanicMonitor, cfg StepConfig) *stepBase {
	ctx, cancel := context.WithCancel(monitor.Context())
	return &stepBase{
		name:    cfg.Name,
		flags:   cfg.Flags,
		monitor: monitor,
		log:     logger.Named(cfg.Logger, "step").With("step", cfg.Name),
		stats:   stats.NewRegistry(),
		onClose: cfg.OnClose,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (b *stepBase) Name() string {
	return b.name
}

func (b *stepBase) Flags() Flags {
	return b.flags
}

func (b *stepBase) Status() Status {
	return Status(b.status.Load())
}

func (b *stepBase) IsCompleted() bool {
	return b.Status().Terminal()
}

func (b *stepBase) Done() <-chan struct{} {
	return b.done
}

func (b *stepBase) Err() error {
	select {
	case <-b.done:
		return b.failure
	default:
		return nil
	}
}

func (b *stepBase) Stats() stats.StepStats {
	return b.stats.Snapshot(b.name)
}

func (b *stepBase) AwaitCompleted(timeout time.Duration) (bool, error) {
	select {
	case <-b.done:
		return true, b.failure
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-b.done:
		return true, b.failure
	case <-b.monitor.Done():
		select {
		case <-b.done:
			return true, b.failure
		default:
		}
		return false, &PanicError{Step: b.name, Cause: b.monitor.Err()}
	case <-timer.C:
		return false, nil
	}
}

func (b *stepBase) SetDownstream(downstream Step) error {
	b.wireMu.Lock()
	defer b.wireMu.Unlock()

	switch {
	case downstream == nil:
		return lifecycleViolation("step %q: nil downstream", b.name)
	case b.Status() != StatusConstructed:
		return lifecycleViolation("step %q: wired after start", b.name)
	case b.downstream == downstream:
		return nil
	case b.downstream != nil:
		return lifecycleViolation("step %q: already wired to %q, refusing %q",
			b.name, b.downstream.Name(), downstream.Name())
	}
	b.downstream = downstream
	return nil
}

func (b *stepBase) start() error {
	if b.status.CompareAndSwap(int32(StatusConstructed), int32(StatusRunning)) {
		b.log.Debugw("step started", "flags", b.flags.String())
		return nil
	}
	err := lifecycleViolation("step %q: start while %s", b.name, b.Status())
	b.log.Errorw("rejected start", "error", err)
	return err
}

// halted reports whether the step context is done, either by a pipeline
// panic or by Close.
func (b *stepBase) halted() bool {
	return b.monitor.Halted() || b.ctx.Err() != nil
}

func (b *stepBase) haltErr() error {
	if cause := b.monitor.Err(); cause != nil {
		return &PanicError{Step: b.name, Cause: cause}
	}
	return lifecycleViolation("step %q: closed", b.name)
}

// finish moves the step to its terminal status exactly once. A completed
// step forwards end of upstream to its downstream.
func (b *stepBase) finish(err error) {
	b.finishOnce.Do(func() {
		status := StatusCompleted
		switch {
		case err != nil:
			status, b.failure = StatusFailed, err
		case b.halted():
			status, b.failure = StatusFailed, b.haltErr()
		}
		b.status.Store(int32(status))
		close(b.done)

		if status == StatusFailed {
			b.log.Debugw("step failed", "error", b.failure)
		} else {
			b.log.Debugw("step completed")
		}
		if status == StatusCompleted && b.downstream != nil {
			b.downstream.EndOfUpstream()
		}
	})
}

// closeStep cancels the step, waits for its goroutines and runs the
// collaborator release hook. Only the first call has an effect. Closing a
// running step halts the whole pipeline.
func (b *stepBase) closeStep() error {
	b.closeOnce.Do(func() {
		if b.Status() == StatusRunning {
			b.monitor.Panic(b.name, lifecycleViolation("step %q: closed while running", b.name))
		}
		b.cancel()
		if b.status.CompareAndSwap(int32(StatusConstructed), int32(StatusFailed)) {
			b.finishOnce.Do(func() {
				b.failure = lifecycleViolation("step %q: closed before start", b.name)
				close(b.done)
			})
		}
		<-b.done

		if b.onClose != nil {
			if err := b.onClose(); err != nil {
				b.closeErr = &ReleaseFault{Step: b.name, Cause: err}
				b.log.Warnw("release failed", "error", err)
			}
		}
		b.log.Debugw("step closed", "status", b.Status().String())
	})
	return b.closeErr
}

// guard converts a recovered panic into an error.
func guard(step string, ticket Ticket, err *error) {
	if r := recover(); r != nil {
		*err = errors.Newf("step %q panicked on ticket %d: %v", step, ticket, r)
	}
}
