package staging

import (
	"context"
	"sync/atomic"

	"github.com/ib-77/stage3/pkg/errors"
)

type panicState struct {
	origin string
	err    error
}

// PanicMonitor is the pipeline-wide failure token shared by a stage and all
// of its steps. The first Panic wins; its error becomes the cause of the
// monitor's context, from which every step derives its own.
type PanicMonitor struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	state  atomic.Pointer[panicState]
}

// NewPanicMonitor returns a monitor that also panics when parent is done.
func NewPanicMonitor(parent context.Context) *PanicMonitor {
	ctx, cancel := context.WithCancelCause(parent)
	m := &PanicMonitor{ctx: ctx, cancel: cancel}
	context.AfterFunc(parent, func() {
		m.Panic("", errors.Wrap(context.Cause(parent), "pipeline context done"))
	})
	return m
}

// Panic marks the pipeline failed. It reports whether this call was the
// originating one.
func (m *PanicMonitor) Panic(origin string, err error) bool {
	if err == nil {
		err = errors.New("panic without cause")
	}
	if !m.state.CompareAndSwap(nil, &panicState{origin: origin, err: err}) {
		return false
	}
	m.cancel(err)
	return true
}

// IsPanicked reports whether Panic has been called.
func (m *PanicMonitor) IsPanicked() bool {
	return m.state.Load() != nil
}

// Halted reports whether the monitor's context is done. It turns true before
// any step context is cancelled.
func (m *PanicMonitor) Halted() bool {
	return m.ctx.Err() != nil
}

// Err returns the originating error, or nil.
func (m *PanicMonitor) Err() error {
	if st := m.state.Load(); st != nil {
		return st.err
	}
	if m.ctx.Err() != nil {
		return context.Cause(m.ctx)
	}
	return nil
}

// Origin names the step that panicked first, if any.
func (m *PanicMonitor) Origin() string {
	if st := m.state.Load(); st != nil {
		return st.origin
	}
	return ""
}

func (m *PanicMonitor) Done() <-chan struct{} {
	return m.ctx.Done()
}

// Context is cancelled, with the panic as cause, when the pipeline panics.
func (m *PanicMonitor) Context() context.Context {
	return m.ctx
}
