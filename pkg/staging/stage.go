package staging

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ib-77/stage3/pkg/errors"
	"github.com/ib-77/stage3/pkg/logger"
	"github.com/ib-77/stage3/pkg/staging/stats"
)

var tracer = otel.Tracer("github.com/ib-77/stage3/pkg/staging")

// ExecutionMonitor observes a running stage. Check is called every
// Interval; a non-positive interval only gets Start and End.
type ExecutionMonitor interface {
	Interval() time.Duration
	Start(p Progress)
	Check(p Progress)
	End(p Progress, err error)
}

type run struct {
	id      string
	started time.Time
}

// Stage is a chain of steps driven by its first step, a Producer.
type Stage struct {
	name     string
	monitor  *PanicMonitor
	steps    []Step
	producer Producer
	monitors []ExecutionMonitor
	log      *zap.SugaredLogger

	executed atomic.Bool
	run      atomic.Pointer[run]
}

// NewStage wires steps in order. The first step must be a Producer and no
// step may appear twice.
func NewStage(name string, monitor *PanicMonitor, steps ...Step) (*Stage, error) {
	if monitor == nil {
		return nil, lifecycleViolation("stage %q: nil panic monitor", name)
	}
	if len(steps) == 0 {
		return nil, lifecycleViolation("stage %q: no steps", name)
	}
	producer, ok := steps[0].(Producer)
	if !ok || errors.IsNil(producer) {
		return nil, lifecycleViolation("stage %q: first step must produce batches", name)
	}

	seen := make(map[Step]struct{}, len(steps))
	for i, s := range steps {
		if errors.IsNil(s) {
			return nil, lifecycleViolation("stage %q: step %d is nil", name, i)
		}
		if _, dup := seen[s]; dup {
			return nil, lifecycleViolation("stage %q: step %q appears twice", name, s.Name())
		}
		seen[s] = struct{}{}
		if _, isProducer := s.(Producer); isProducer && i > 0 {
			return nil, lifecycleViolation("stage %q: producer %q must be the first step", name, s.Name())
		}
	}
	for i := 0; i+1 < len(steps); i++ {
		if err := steps[i].SetDownstream(steps[i+1]); err != nil {
			return nil, errors.Wrapf(err, "stage %q", name)
		}
	}

	return &Stage{
		name:     name,
		monitor:  monitor,
		steps:    steps,
		producer: producer,
		log:      logger.Named(nil, "stage").With("stage", name),
	}, nil
}

// WithMonitors adds execution monitors; call before Execute.
func (st *Stage) WithMonitors(monitors ...ExecutionMonitor) *Stage {
	st.monitors = append(st.monitors, monitors...)
	return st
}

func (st *Stage) WithLogger(log *zap.SugaredLogger) *Stage {
	st.log = logger.Named(log, "stage").With("stage", st.name)
	return st
}

func (st *Stage) Name() string {
	return st.name
}

func (st *Stage) Monitor() *PanicMonitor {
	return st.monitor
}

func (st *Stage) Steps() []Step {
	return append([]Step(nil), st.steps...)
}

// RunID identifies the current execution; empty before Execute.
func (st *Stage) RunID() string {
	if r := st.run.Load(); r != nil {
		return r.id
	}
	return ""
}

// Ordering is the guarantee set the run upholds: the union of every step's
// ordering flag.
func (st *Stage) Ordering() Flags {
	var f Flags
	for _, s := range st.steps {
		f |= s.Flags() & OrderSendDownstream
	}
	return f
}

// Execute runs the stage once: it starts every step, drives the producer on
// the calling goroutine and waits until the last step completes or the
// pipeline panics. Every step is closed before Execute returns. Cancelling
// ctx panics the pipeline.
func (st *Stage) Execute(ctx context.Context) error {
	if !st.executed.CompareAndSwap(false, true) {
		err := lifecycleViolation("stage %q: executed twice", st.name)
		st.log.Errorw("rejected execution", "error", err)
		return err
	}

	r := &run{id: uuid.NewString(), started: time.Now()}
	st.run.Store(r)
	log := st.log.With("run_id", r.id)

	ctx, span := tracer.Start(ctx, "stage.execute", trace.WithAttributes(
		attribute.String("stage.name", st.name),
		attribute.String("stage.run_id", r.id),
		attribute.Int("stage.steps", len(st.steps)),
	))
	defer span.End()

	stop := context.AfterFunc(ctx, func() {
		st.monitor.Panic("", errors.Wrap(context.Cause(ctx), "execution cancelled"))
	})
	defer stop()

	ordering := st.Ordering()
	log.Infow("executing stage", "steps", len(st.steps), "ordering", ordering.String())

	started := 0
	for _, s := range st.steps {
		if err := s.Start(ordering); err != nil {
			st.monitor.Panic(s.Name(), errors.Wrapf(err, "start step %q", s.Name()))
			break
		}
		started++
	}

	endMonitors := st.startMonitors()

	if started == len(st.steps) {
		switch err := st.producer.Produce(ctx); {
		case err == nil:
			st.steps[0].EndOfUpstream()
		case !st.monitor.Halted():
			st.monitor.Panic(st.producer.Name(), err)
		}
		select {
		case <-st.steps[len(st.steps)-1].Done():
		case <-st.monitor.Done():
		}
	}
	if st.monitor.Halted() {
		for _, s := range st.steps[:started] {
			<-s.Done()
		}
	}

	release := st.closeAll()

	var err error
	if cause := st.monitor.Err(); cause != nil || len(release) > 0 {
		err = &ExecutionError{
			Stage:   st.name,
			RunID:   r.id,
			Step:    st.monitor.Origin(),
			Cause:   cause,
			Release: release,
		}
	}
	endMonitors(err)

	elapsed := time.Since(r.started)
	span.SetAttributes(
		attribute.Bool("stage.panicked", st.monitor.IsPanicked()),
		attribute.Int64("stage.elapsed_ms", elapsed.Milliseconds()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage failed")
		if errors.IsCancellation(st.monitor.Err()) {
			log.Warnw("stage cancelled", "elapsed", elapsed, "error", err)
		} else {
			log.Errorw("stage failed", "origin", st.monitor.Origin(), "elapsed", elapsed, "error", err)
		}
		return err
	}
	span.SetStatus(codes.Ok, "")
	log.Infow("stage completed", "elapsed", elapsed)
	return nil
}

// Close closes every step exactly once and returns the collected release
// faults.
func (st *Stage) Close() error {
	return errors.Join(st.closeAll()...)
}

func (st *Stage) closeAll() []error {
	var faults []error
	for _, s := range st.steps {
		if err := s.Close(); err != nil {
			faults = append(faults, err)
		}
	}
	return faults
}

func (st *Stage) startMonitors() func(error) {
	if len(st.monitors) == 0 {
		return func(error) {}
	}

	p := st.Progress()
	for _, m := range st.monitors {
		m.Start(p)
	}

	quit := make(chan struct{})
	var wg sync.WaitGroup
	for _, m := range st.monitors {
		interval := m.Interval()
		if interval <= 0 {
			continue
		}
		wg.Go(func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					m.Check(st.Progress())
				case <-quit:
					return
				}
			}
		})
	}

	return func(err error) {
		close(quit)
		wg.Wait()
		p := st.Progress()
		for _, m := range st.monitors {
			m.End(p, err)
		}
	}
}

// Stats snapshots every step in chain order.
func (st *Stage) Stats() []stats.StepStats {
	out := make([]stats.StepStats, len(st.steps))
	for i, s := range st.steps {
		out[i] = s.Stats()
	}
	return out
}

// Progress is a point-in-time view of a stage.
type Progress struct {
	Stage     string
	RunID     string
	Elapsed   time.Duration
	Total     int
	Active    int
	Idle      int
	Completed int
	Failed    int
	Panicked  bool
	Steps     []stats.StepStats
}

// Progress is safe to call while the stage executes.
func (st *Stage) Progress() Progress {
	p := Progress{
		Stage:    st.name,
		Total:    len(st.steps),
		Panicked: st.monitor.IsPanicked(),
		Steps:    st.Stats(),
	}
	if r := st.run.Load(); r != nil {
		p.RunID = r.id
		p.Elapsed = time.Since(r.started)
	}
	for _, s := range st.steps {
		switch s.Status() {
		case StatusRunning:
			if s.IsIdle() {
				p.Idle++
			} else {
				p.Active++
			}
		case StatusCompleted:
			p.Completed++
		case StatusFailed:
			p.Failed++
		}
	}
	return p
}

func (p Progress) String() string {
	s := fmt.Sprintf("%s: %d of %d steps active, %d idle, %d completed", p.Stage, p.Active, p.Total, p.Idle, p.Completed)
	if p.Failed > 0 {
		s += fmt.Sprintf(", %d failed", p.Failed)
	}
	if p.Panicked {
		s += " (panicked)"
	}
	return s
}
