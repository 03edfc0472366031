package staging

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ib-77/stage3/pkg/errors"
	"github.com/ib-77/stage3/pkg/staging/stats"
)

// ProcessFunc does the collaborator's work on one batch. ctx is cancelled
// when the pipeline panics or the step is closed.
type ProcessFunc[In, Out any] func(ctx context.Context, ticket Ticket, batch In) (Out, error)

// Hooks are optional collaborator callbacks of a ProcessorStep.
type Hooks[In, Out any] struct {
	// Recycle receives every input batch after it was processed, when the
	// step has the RecycleBatches flag.
	Recycle func(batch In)
	// OnUnprocessed receives a dequeued batch the step gave up on because
	// the pipeline halted before processing it.
	OnUnprocessed func(ticket Ticket, batch In)
	// OnProcessed receives a batch whose result was discarded because the
	// pipeline halted while it was being processed.
	OnProcessed func(ticket Ticket, batch In, result Out)
	// ReportQueued also drains batches still waiting in the queue to
	// OnUnprocessed when the pipeline halts.
	ReportQueued bool
}

type envelope[T any] struct {
	ticket Ticket
	batch  T
}

// ProcessorStep receives batches into a bounded queue and processes them on
// up to MaxProcessors workers. With an ordering guarantee and more than one
// possible worker, results pass through a reorder buffer before they are
// sent downstream.
type ProcessorStep[In, Out any] struct {
	*stepBase
	fn    ProcessFunc[In, Out]
	hooks Hooks[In, Out]

	workAhead     int
	maxProcessors int

	queue        chan envelope[In]
	intake       sync.RWMutex
	ended        bool
	upstreamDone chan struct{}

	workers   errgroup.Group
	forwarder errgroup.Group
	spawnMu   sync.Mutex
	live      int
	initial   int
	nextID    int
	retiring  atomic.Int32
	active    atomic.Int32
	inFlight  atomic.Int32
	ordered   atomic.Pointer[reorderBuffer[Out]]

	received       *stats.Counter
	completed      *stats.Counter
	abandoned      *stats.Counter
	upstreamIdle   *stats.Counter
	downstreamIdle *stats.Counter
	backpressure   *stats.Counter
	processing     *stats.Timer

	fullNotice rate.Sometimes
}

// NewProcessorStep creates a step running fn for every received batch.
func NewProcessorStep[In, Out any](monitor *PanicMonitor, cfg StepConfig, fn ProcessFunc[In, Out]) *ProcessorStep[In, Out] {
	cfg = cfg.withDefaults()
	s := &ProcessorStep[In, Out]{
		stepBase:      newStepBase(monitor, cfg),
		fn:            fn,
		workAhead:     cfg.WorkAhead,
		maxProcessors: cfg.MaxProcessors,
		initial:       cfg.Processors,
		queue:         make(chan envelope[In], cfg.WorkAhead),
		upstreamDone:  make(chan struct{}),
		fullNotice:    rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}

	r := s.stats
	s.received = r.Counter(stats.ReceivedBatches)
	s.completed = r.Counter(stats.DoneBatches)
	s.abandoned = r.Counter(stats.AbandonedBatches)
	r.Gauge(stats.QueueSize, func() int64 { return int64(len(s.queue)) })
	r.Gauge(stats.Processors, func() int64 { return int64(s.active.Load() - s.retiring.Load()) })
	r.Gauge(stats.ReorderPending, func() int64 {
		if b := s.ordered.Load(); b != nil {
			return int64(b.pendingCount())
		}
		return 0
	})
	s.upstreamIdle = r.Counter(stats.UpstreamIdleTime)
	s.downstreamIdle = r.Counter(stats.DownstreamIdleTime)
	s.backpressure = r.Counter(stats.BackpressureTime)
	s.processing = r.Timer(stats.ProcessingTime, stats.AvgProcessingTime, stats.MaxProcessingTime)
	return s
}

// NewSinkStep creates a terminal step; fn consumes each batch.
func NewSinkStep[In any](monitor *PanicMonitor, cfg StepConfig, fn func(ctx context.Context, ticket Ticket, batch In) error) *ProcessorStep[In, struct{}] {
	return NewProcessorStep(monitor, cfg, func(ctx context.Context, ticket Ticket, batch In) (struct{}, error) {
		return struct{}{}, fn(ctx, ticket, batch)
	})
}

// WithHooks installs collaborator callbacks. It has no effect once the step
// has started.
func (s *ProcessorStep[In, Out]) WithHooks(h Hooks[In, Out]) *ProcessorStep[In, Out] {
	if s.Status() != StatusConstructed {
		s.log.Warnw("hooks ignored after start")
		return s
	}
	s.hooks = h
	return s
}

func (s *ProcessorStep[In, Out]) MaxProcessors() int {
	return s.maxProcessors
}

func (s *ProcessorStep[In, Out]) IsIdle() bool {
	return len(s.queue) == 0 && s.inFlight.Load() == 0
}

func (s *ProcessorStep[In, Out]) Start(ordering Flags) error {
	if err := s.start(); err != nil {
		return err
	}

	if ordering.Has(OrderSendDownstream) && s.maxProcessors > 1 && s.downstream != nil {
		buf := newReorderBuffer[Out](s.workAhead+s.maxProcessors, s.flags.Has(RecycleBatches))
		s.ordered.Store(buf)
		context.AfterFunc(s.ctx, buf.halt)
		s.forwarder.Go(s.forward)
	}

	s.spawnMu.Lock()
	for range s.initial {
		s.spawnLocked()
	}
	s.spawnMu.Unlock()

	go s.complete()
	return nil
}

func (s *ProcessorStep[In, Out]) Processors(delta int) int {
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()

	clamp := func(n int) int { return min(max(n, 1), s.maxProcessors) }

	if s.Status() == StatusConstructed {
		s.initial = clamp(s.initial + delta)
		return s.initial
	}
	current := int(s.active.Load()) - int(s.retiring.Load())
	if s.Status() != StatusRunning || s.live == 0 {
		return current
	}

	target := clamp(current + delta)
	for ; current < target; current++ {
		if s.retiring.Load() > 0 {
			s.retiring.Add(-1)
			continue
		}
		s.spawnLocked()
	}
	for ; current > target; current-- {
		s.retiring.Add(1)
	}
	s.log.Debugw("processors changed", "processors", target)
	return target
}

// spawnLocked starts a worker. spawnMu must be held and, once running, at
// least one worker must still be live so the errgroup counter is non-zero.
func (s *ProcessorStep[In, Out]) spawnLocked() {
	id := s.nextID
	s.nextID++
	s.live++
	s.active.Add(1)
	s.workers.Go(func() (err error) {
		retired := false
		defer func() {
			s.spawnMu.Lock()
			s.live--
			if !retired {
				s.active.Add(-1)
			}
			s.spawnMu.Unlock()
		}()
		retired, err = s.work(id)
		return err
	})
}

func (s *ProcessorStep[In, Out]) Receive(ticket Ticket, batch any) (time.Duration, error) {
	return s.ReceiveContext(context.Background(), ticket, batch)
}

func (s *ProcessorStep[In, Out]) ReceiveContext(ctx context.Context, ticket Ticket, batch any) (time.Duration, error) {
	in, ok := batch.(In)
	if !ok && batch != nil {
		err := lifecycleViolation("step %q: batch of type %T, want %s", s.name, batch, reflect.TypeFor[In]())
		s.log.Errorw("rejected batch", "ticket", ticket, "error", err)
		return 0, err
	}

	s.intake.RLock()
	defer s.intake.RUnlock()

	if err := s.admit(); err != nil {
		if !errors.Is(err, ErrPanicked) {
			s.log.Errorw("rejected batch", "ticket", ticket, "error", err)
		}
		return 0, err
	}

	env := envelope[In]{ticket: ticket, batch: in}
	select {
	case s.queue <- env:
		s.received.Inc()
		return 0, nil
	default:
	}

	s.fullNotice.Do(func() {
		s.log.Debugw("queue full, blocking upstream", "ticket", ticket, "work_ahead", s.workAhead)
	})

	start := time.Now()
	select {
	case s.queue <- env:
		wait := time.Since(start)
		s.received.Inc()
		s.backpressure.AddDuration(wait)
		return wait, nil
	case <-s.ctx.Done():
		wait := time.Since(start)
		s.backpressure.AddDuration(wait)
		return wait, s.haltErr()
	case <-ctx.Done():
		wait := time.Since(start)
		s.backpressure.AddDuration(wait)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return wait, errors.WithHint(
				errors.Wrapf(ErrBackpressureTimeout, "step %q: ticket %d waited %s", s.name, ticket, wait),
				"the step is slower than its upstream; raise work_ahead or processors")
		}
		return wait, errors.Wrapf(context.Cause(ctx), "step %q: receive ticket %d", s.name, ticket)
	}
}

// admit must run with intake held.
func (s *ProcessorStep[In, Out]) admit() error {
	switch status := s.Status(); {
	case status == StatusConstructed:
		return lifecycleViolation("step %q: receive before start", s.name)
	case s.halted():
		return s.haltErr()
	case status.Terminal():
		return lifecycleViolation("step %q: receive after completion", s.name)
	case s.ended:
		return lifecycleViolation("step %q: receive after end of upstream", s.name)
	}
	return nil
}

func (s *ProcessorStep[In, Out]) EndOfUpstream() {
	s.intake.Lock()
	defer s.intake.Unlock()

	if s.Status() == StatusConstructed {
		s.log.Errorw("end of upstream before start",
			"error", lifecycleViolation("step %q: end of upstream before start", s.name))
		return
	}
	if s.ended {
		return
	}
	s.ended = true
	close(s.upstreamDone)
}

func (s *ProcessorStep[In, Out]) work(id int) (retired bool, err error) {
	for {
		if s.retire() {
			s.log.Debugw("worker retired", "worker", id)
			return true, nil
		}
		env, ok := s.take()
		if !ok {
			return false, nil
		}
		if err := s.handle(env); err != nil {
			return false, err
		}
	}
}

// retire claims a pending retirement. The worker stops counting as active
// in the same critical section so Processors never sees it twice.
func (s *ProcessorStep[In, Out]) retire() bool {
	if s.retiring.Load() <= 0 {
		return false
	}
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()
	if s.retiring.Load() <= 0 {
		return false
	}
	s.retiring.Add(-1)
	s.active.Add(-1)
	return true
}

// take returns false once upstream ended and the queue is empty, or when
// the step halts.
func (s *ProcessorStep[In, Out]) take() (envelope[In], bool) {
	var zero envelope[In]
	if s.halted() {
		return zero, false
	}
	select {
	case env := <-s.queue:
		return env, true
	default:
	}

	start := time.Now()
	defer func() { s.upstreamIdle.AddDuration(time.Since(start)) }()

	select {
	case env := <-s.queue:
		return env, true
	case <-s.upstreamDone:
		select {
		case env := <-s.queue:
			return env, true
		default:
			return zero, false
		}
	case <-s.ctx.Done():
		return zero, false
	}
}

func (s *ProcessorStep[In, Out]) handle(env envelope[In]) error {
	if s.halted() {
		s.abandonUnprocessed(env)
		return nil
	}

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	start := time.Now()
	out, err := s.invoke(env)
	s.processing.Record(time.Since(start))

	if s.halted() {
		if err != nil {
			s.abandonUnprocessed(env)
		} else {
			s.abandoned.Inc()
			if s.hooks.OnProcessed != nil {
				s.hooks.OnProcessed(env.ticket, env.batch, out)
			}
		}
		return nil
	}
	if err != nil {
		return s.fault(env.ticket, err)
	}

	if s.flags.Has(RecycleBatches) && s.hooks.Recycle != nil {
		s.hooks.Recycle(env.batch)
	}
	s.completed.Inc()

	if buf := s.ordered.Load(); buf != nil {
		err := buf.put(env.ticket, out)
		switch {
		case err == errBufferHalted:
			return nil
		case err != nil:
			return s.fault(env.ticket, err)
		}
		return nil
	}
	return s.send(env.ticket, out)
}

func (s *ProcessorStep[In, Out]) invoke(env envelope[In]) (out Out, err error) {
	defer guard(s.name, env.ticket, &err)
	return s.fn(s.ctx, env.ticket, env.batch)
}

func (s *ProcessorStep[In, Out]) send(ticket Ticket, out Out) error {
	if s.downstream == nil {
		return nil
	}
	wait, err := s.downstream.ReceiveContext(s.ctx, ticket, out)
	s.downstreamIdle.AddDuration(wait)
	if err != nil {
		if s.halted() {
			return nil
		}
		return s.fault(ticket, err)
	}
	return nil
}

// forward drains the reorder buffer in ticket order.
func (s *ProcessorStep[In, Out]) forward() error {
	buf := s.ordered.Load()
	for {
		ticket, out, err := buf.take()
		switch {
		case err == errBufferDrained, err == errBufferHalted:
			return nil
		case err != nil:
			return s.fault(ticket, err)
		}
		if err := s.send(ticket, out); err != nil {
			return err
		}
	}
}

func (s *ProcessorStep[In, Out]) fault(ticket Ticket, cause error) error {
	f := &WorkerFault{Step: s.name, Ticket: ticket, Cause: cause}
	if s.monitor.Panic(s.name, f) {
		s.log.Errorw("worker fault, panicking pipeline", "ticket", ticket, "error", cause)
	}
	return f
}

func (s *ProcessorStep[In, Out]) abandonUnprocessed(env envelope[In]) {
	s.abandoned.Inc()
	if s.hooks.OnUnprocessed != nil {
		s.hooks.OnUnprocessed(env.ticket, env.batch)
	}
}

// complete waits for the workers (and the forwarder) and settles the
// terminal status.
func (s *ProcessorStep[In, Out]) complete() {
	err := s.workers.Wait()
	if buf := s.ordered.Load(); buf != nil {
		buf.close()
		if ferr := s.forwarder.Wait(); err == nil {
			err = ferr
		}
	}

	if s.halted() {
		if buf := s.ordered.Load(); buf != nil {
			s.abandoned.Add(int64(buf.pendingCount()))
		}
		s.intake.Lock()
		s.ended = true
		s.drainQueued()
		s.intake.Unlock()
	}
	s.finish(err)
}

// drainQueued empties the queue of a halted step. Queued batches reach
// OnUnprocessed only with ReportQueued.
func (s *ProcessorStep[In, Out]) drainQueued() {
	for {
		select {
		case env := <-s.queue:
			s.abandoned.Inc()
			if s.hooks.ReportQueued && s.hooks.OnUnprocessed != nil {
				s.hooks.OnUnprocessed(env.ticket, env.batch)
			}
		default:
			return
		}
	}
}

func (s *ProcessorStep[In, Out]) Close() error {
	return s.closeStep()
}
