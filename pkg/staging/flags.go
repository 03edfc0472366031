package staging

import "strings"

// Ticket identifies a batch for a whole pipeline run. The producing step
// hands out tickets starting at 0; downstream steps never change them.
type Ticket uint64

// Flags are step capabilities and run ordering guarantees.
type Flags uint8

const (
	// OrderSendDownstream requires batches to be sent downstream in ticket
	// order.
	OrderSendDownstream Flags = 0x1
	// RecycleBatches allows a step to hand processed batches back for reuse.
	RecycleBatches Flags = 0x2
)

func (f Flags) Has(o Flags) bool {
	return f&o == o
}

func (f Flags) String() string {
	var parts []string
	if f.Has(OrderSendDownstream) {
		parts = append(parts, "ORDER_SEND_DOWNSTREAM")
	}
	if f.Has(RecycleBatches) {
		parts = append(parts, "RECYCLE_BATCHES")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// Status is the lifecycle state of a step.
type Status int32

const (
	StatusConstructed Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

// Terminal reports whether s is Completed or Failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) String() string {
	switch s {
	case StatusConstructed:
		return "constructed"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}
