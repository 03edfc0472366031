package staging

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ib-77/stage3/pkg/errors"
	"github.com/ib-77/stage3/pkg/staging/stats"
)

// ProducerStep is the first step of a stage. It pulls batches from a Source
// on the driver goroutine, assigns tickets from 0 and sends them downstream.
type ProducerStep[Out any] struct {
	*stepBase
	source Source[Out]

	used   atomic.Bool
	active atomic.Bool
	next   Ticket

	produced       *stats.Counter
	downstreamIdle *stats.Counter
	reading        *stats.Timer
}

func NewProducerStep[Out any](monitor *PanicMonitor, cfg StepConfig, source Source[Out]) *ProducerStep[Out] {
	cfg = cfg.withDefaults()
	s := &ProducerStep[Out]{
		stepBase: newStepBase(monitor, cfg),
		source:   source,
	}
	s.produced = s.stats.Counter(stats.DoneBatches)
	s.downstreamIdle = s.stats.Counter(stats.DownstreamIdleTime)
	s.reading = s.stats.Timer(stats.ProcessingTime, stats.AvgProcessingTime, stats.MaxProcessingTime)
	s.stats.Gauge(stats.Processors, func() int64 {
		if s.active.Load() {
			return 1
		}
		return 0
	})

	// A producer that is never driven still has to settle when the
	// pipeline halts, so Close does not wait forever.
	context.AfterFunc(s.ctx, func() {
		if !s.active.Load() && s.Status() == StatusRunning {
			s.finish(nil)
		}
	})
	return s
}

func (s *ProducerStep[Out]) Start(Flags) error {
	return s.start()
}

func (s *ProducerStep[Out]) MaxProcessors() int {
	return 1
}

func (s *ProducerStep[Out]) Processors(int) int {
	return 1
}

func (s *ProducerStep[Out]) IsIdle() bool {
	return !s.active.Load()
}

// Produce drains the source. Cancelling ctx panics the pipeline.
func (s *ProducerStep[Out]) Produce(ctx context.Context) error {
	if s.Status() == StatusConstructed {
		return lifecycleViolation("step %q: produce before start", s.name)
	}
	if !s.used.CompareAndSwap(false, true) {
		return lifecycleViolation("step %q: produce called twice", s.name)
	}

	stop := context.AfterFunc(ctx, func() {
		s.monitor.Panic("", errors.Wrap(context.Cause(ctx), "produce cancelled"))
	})
	defer stop()

	s.active.Store(true)
	defer func() {
		s.active.Store(false)
		if s.halted() {
			s.finish(nil)
		}
	}()

	for {
		if s.halted() {
			return s.haltErr()
		}

		start := time.Now()
		batch, ok, err := s.read()
		s.reading.Record(time.Since(start))
		switch {
		case err != nil && s.halted():
			return s.haltErr()
		case err != nil:
			fault := &WorkerFault{Step: s.name, Ticket: s.next, Cause: err}
			s.monitor.Panic(s.name, fault)
			s.log.Errorw("source failed, panicking pipeline", "ticket", s.next, "error", err)
			s.finish(fault)
			return fault
		case !ok:
			s.log.Debugw("source exhausted", "batches", s.next)
			return nil
		}

		if err := s.send(batch); err != nil {
			return err
		}
	}
}

func (s *ProducerStep[Out]) read() (batch Out, ok bool, err error) {
	defer guard(s.name, s.next, &err)
	return s.source.Next(s.ctx)
}

func (s *ProducerStep[Out]) send(batch Out) error {
	ticket := s.next
	s.next++
	if s.downstream != nil {
		wait, err := s.downstream.ReceiveContext(s.ctx, ticket, batch)
		s.downstreamIdle.AddDuration(wait)
		if err != nil {
			if s.halted() {
				return s.haltErr()
			}
			fault := &WorkerFault{Step: s.name, Ticket: ticket, Cause: err}
			s.monitor.Panic(s.name, fault)
			s.finish(fault)
			return fault
		}
	}
	s.produced.Inc()
	return nil
}

func (s *ProducerStep[Out]) Receive(ticket Ticket, _ any) (time.Duration, error) {
	return s.ReceiveContext(context.Background(), ticket, nil)
}

func (s *ProducerStep[Out]) ReceiveContext(_ context.Context, ticket Ticket, _ any) (time.Duration, error) {
	err := lifecycleViolation("step %q: producer does not receive batches", s.name)
	s.log.Errorw("rejected batch", "ticket", ticket, "error", err)
	return 0, err
}

// EndOfUpstream completes the producer once the source is exhausted and
// passes end of upstream on.
func (s *ProducerStep[Out]) EndOfUpstream() {
	if s.Status() == StatusConstructed {
		s.log.Errorw("end of upstream before start",
			"error", lifecycleViolation("step %q: end of upstream before start", s.name))
		return
	}
	if s.active.Load() {
		s.log.Warnw("end of upstream while producing ignored")
		return
	}
	s.finish(nil)
}

func (s *ProducerStep[Out]) Close() error {
	return s.closeStep()
}
