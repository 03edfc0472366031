package staging

import (
	"container/heap"
	"sync"
	"sync/atomic"

	"github.com/ib-77/stage3/pkg/errors"
)

var (
	errBufferHalted  = errors.New("reorder buffer halted")
	errBufferDrained = errors.New("reorder buffer drained")
)

type held[T any] struct {
	ticket Ticket
	item   T
}

type ticketHeap[T any] []*held[T]

func (h ticketHeap[T]) Len() int           { return len(h) }
func (h ticketHeap[T]) Less(i, j int) bool { return h[i].ticket < h[j].ticket }
func (h ticketHeap[T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *ticketHeap[T]) Push(x any) {
	*h = append(*h, x.(*held[T]))
}

func (h *ticketHeap[T]) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// reorderBuffer holds processed results until every lower ticket has been
// taken. Workers put in any order; a single forwarder takes in strict ticket
// order starting at 0. Put parks while the buffer is full unless it carries
// the next ticket, so the forwarder can always make progress.
type reorderBuffer[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending ticketHeap[T]
	next    Ticket
	limit   int
	closed  bool
	halted  bool
	size    atomic.Int64
	pool    *sync.Pool
}

func newReorderBuffer[T any](limit int, recycle bool) *reorderBuffer[T] {
	b := &reorderBuffer[T]{limit: max(limit, 1)}
	b.cond = sync.NewCond(&b.mu)
	if recycle {
		b.pool = &sync.Pool{New: func() any { return new(held[T]) }}
	}
	return b
}

func (b *reorderBuffer[T]) put(ticket Ticket, item T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ticket < b.next {
		return errors.Wrapf(ErrTicketSequence, "ticket %d already forwarded, next is %d", ticket, b.next)
	}
	for !b.halted && len(b.pending) >= b.limit && ticket != b.next {
		b.cond.Wait()
	}
	if b.halted {
		return errBufferHalted
	}

	h := b.alloc()
	h.ticket, h.item = ticket, item
	heap.Push(&b.pending, h)
	b.size.Store(int64(len(b.pending)))
	b.cond.Broadcast()
	return nil
}

// take blocks until the next ticket is held. It returns errBufferDrained once
// the buffer is closed and empty.
func (b *reorderBuffer[T]) take() (Ticket, T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	for {
		if b.halted {
			return 0, zero, errBufferHalted
		}
		if len(b.pending) > 0 {
			head := b.pending[0]
			switch {
			case head.ticket == b.next:
				heap.Pop(&b.pending)
				b.size.Store(int64(len(b.pending)))
				b.next++
				ticket, item := head.ticket, head.item
				b.release(head)
				b.cond.Broadcast()
				return ticket, item, nil
			case head.ticket < b.next:
				return 0, zero, errors.Wrapf(ErrTicketSequence, "ticket %d received twice", head.ticket)
			}
		}
		if b.closed {
			if len(b.pending) == 0 {
				return 0, zero, errBufferDrained
			}
			return 0, zero, errors.Wrapf(ErrTicketSequence,
				"ticket %d never arrived, %d batches stranded", b.next, len(b.pending))
		}
		b.cond.Wait()
	}
}

// close tells the forwarder no more puts will happen.
func (b *reorderBuffer[T]) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// halt wakes every waiter; pending results are abandoned.
func (b *reorderBuffer[T]) halt() {
	b.mu.Lock()
	b.halted = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

func (b *reorderBuffer[T]) pendingCount() int {
	return int(b.size.Load())
}

func (b *reorderBuffer[T]) alloc() *held[T] {
	if b.pool != nil {
		return b.pool.Get().(*held[T])
	}
	return new(held[T])
}

func (b *reorderBuffer[T]) release(h *held[T]) {
	if b.pool == nil {
		return
	}
	var zero T
	h.item = zero
	b.pool.Put(h)
}
