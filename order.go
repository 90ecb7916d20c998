package seqmgr

import "sync/atomic"

// EnqueueOrder is a process-monotonic 64-bit identifier used to totally
// order tasks across every queue in a SequenceManager. Zero and one are
// reserved; every order handed out by a generator is >= 2.
type EnqueueOrder uint64

const (
	// EnqueueOrderNone marks the absence of an order (a task that has not
	// yet been enqueued, e.g. one still sitting in a delayed-incoming
	// buffer).
	EnqueueOrderNone EnqueueOrder = 0

	// EnqueueOrderBlockingFence is less than every real order and is used
	// to construct a fence that blocks all tasks. See Fence.
	EnqueueOrderBlockingFence EnqueueOrder = 1
)

// EnqueueOrderGenerator hands out strictly increasing EnqueueOrder values.
// It is safe for concurrent use from any goroutine: Next uses a single
// atomic add, so any interleaving of concurrent callers yields a strict
// total order matching real-time arrival (overflow is assumed never to
// occur in a process lifetime).
type EnqueueOrderGenerator struct {
	counter atomic.Uint64
}

// NewEnqueueOrderGenerator returns a generator whose first Next() call
// returns 2.
func NewEnqueueOrderGenerator() *EnqueueOrderGenerator {
	g := &EnqueueOrderGenerator{}
	g.counter.Store(uint64(EnqueueOrderBlockingFence))
	return g
}

// Next returns the next EnqueueOrder in sequence.
func (g *EnqueueOrderGenerator) Next() EnqueueOrder {
	return EnqueueOrder(g.counter.Add(1))
}
