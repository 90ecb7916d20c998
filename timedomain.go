package seqmgr

import (
	"sync"
	"time"
)

// Clock abstracts wall-clock reads so RealTimeDomain can be driven by
// anything satisfying time.Now's contract, and tests can substitute a
// deterministic source without reaching for VirtualTimeDomain.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// LazyNow memoizes a single TimeDomain.Now() read across an operation that
// may consult the current time more than once (e.g. moving several expired
// delayed tasks to their work queues in one pass), so every consumer in
// that pass observes the same instant.
type LazyNow struct {
	domain TimeDomain
	now    *time.Time
}

// Now returns the memoized time, reading the domain's clock on first use.
func (l *LazyNow) Now() time.Time {
	if l.now == nil {
		t := l.domain.Now()
		l.now = &t
	}
	return *l.now
}

// TimeDomain abstracts the clock a set of TaskQueues runs against, and
// aggregates their per-queue wake-ups into a single next-wake-up value so
// the host only ever needs to arm one timer per domain.
type TimeDomain interface {
	// Now returns the domain's current time.
	Now() time.Time

	// CreateLazyNow returns a LazyNow bound to this domain.
	CreateLazyNow() *LazyNow

	// DelayTillNextTask reports how long until the domain's earliest
	// pending wake-up, zero if one is already due, or false if no queue
	// registered with this domain currently has a pending wake-up.
	DelayTillNextTask(lazyNow *LazyNow) (time.Duration, bool)

	// SetNextWakeUpForQueue updates (or clears, when hasWakeUp is false)
	// the wake-up this domain tracks on behalf of tq. If the domain-wide
	// earliest wake-up changes as a result, the domain's host-notification
	// hook fires with the new earliest wake-up (or none).
	SetNextWakeUpForQueue(tq *TaskQueue, wakeUp DelayedWakeUp, hasWakeUp bool, lazyNow *LazyNow)

	// MoveReadyDelayedTasksToWorkQueues transfers, from every queue
	// registered with this domain, every delayed task whose run time is
	// now due into that queue's WorkQueue, assigning each an EnqueueOrder
	// from order as it crosses over.
	MoveReadyDelayedTasksToWorkQueues(lazyNow *LazyNow, order *EnqueueOrderGenerator)

	// UnregisterQueue clears any wake-up this domain tracks for tq.
	UnregisterQueue(tq *TaskQueue)

	// Name identifies the domain for diagnostics.
	Name() string
}

// baseTimeDomain is the shared wake-up-aggregation heap backing both
// RealTimeDomain and VirtualTimeDomain: one intrusive heap of *TaskQueue,
// keyed by each queue's cached next wake-up, plus a running count of
// queues that asked for high-resolution wake-ups (so a host can decide
// whether a coarse or fine timer source is warranted).
//
// Go has no way for an embedding type to recover itself as the embedded
// interface value it satisfies, so the two notification methods that need
// to hand a TimeDomain back to a TaskQueue (MoveReadyDelayedTasksToWorkQueues,
// UnregisterQueue) take the concrete domain explicitly as a parameter from
// their small per-type wrappers, rather than baseTimeDomain invoking
// itself.
type baseTimeDomain struct {
	heap         *intrusiveHeap[*TaskQueue]
	highResCount int

	// onNextWakeUpChanged is called whenever the domain-wide earliest
	// wake-up changes, so the owning SequenceManager can re-arm its timer
	// with the host controller. Never called while the caller holds any
	// TaskQueue-internal lock.
	onNextWakeUpChanged func(lazyNow *LazyNow, wakeUp DelayedWakeUp, hasWakeUp bool)
}

func newBaseTimeDomain(onNextWakeUpChanged func(*LazyNow, DelayedWakeUp, bool)) *baseTimeDomain {
	b := &baseTimeDomain{onNextWakeUpChanged: onNextWakeUpChanged}
	b.heap = newIntrusiveHeap(
		func(a, b *TaskQueue) bool { return a.cachedWakeUp.Less(b.cachedWakeUp) },
		func(tq *TaskQueue, h heapHandle) { tq.timeDomainHandle = h },
	)
	return b
}

func (b *baseTimeDomain) delayTillNextTask(lazyNow *LazyNow) (time.Duration, bool) {
	tq, ok := b.heap.Min()
	if !ok {
		return 0, false
	}
	now := lazyNow.Now()
	if !tq.cachedWakeUp.Time.After(now) {
		return 0, true
	}
	return tq.cachedWakeUp.Time.Sub(now), true
}

func (b *baseTimeDomain) setNextWakeUpForQueue(tq *TaskQueue, wakeUp DelayedWakeUp, hasWakeUp bool, lazyNow *LazyNow) {
	oldMin, hadMin := b.heap.Min()

	present := tq.timeDomainHandle != noHeapHandle
	switch {
	case !hasWakeUp && present:
		if tq.cachedWakeUp.Resolution == ResolutionHigh {
			b.highResCount--
		}
		b.heap.Erase(tq.timeDomainHandle)
	case !hasWakeUp:
		// not present, nothing to clear
	case present:
		if tq.cachedWakeUp.Resolution == ResolutionHigh {
			b.highResCount--
		}
		tq.cachedWakeUp = wakeUp
		if wakeUp.Resolution == ResolutionHigh {
			b.highResCount++
		}
		b.heap.ChangeKey(tq.timeDomainHandle, tq)
	default:
		tq.cachedWakeUp = wakeUp
		if wakeUp.Resolution == ResolutionHigh {
			b.highResCount++
		}
		b.heap.Insert(tq)
	}

	newMin, hasNewMin := b.heap.Min()
	changed := hadMin != hasNewMin
	if hadMin && hasNewMin && !oldMin.cachedWakeUp.Equal(newMin.cachedWakeUp) {
		changed = true
	}
	if changed && b.onNextWakeUpChanged != nil {
		if hasNewMin {
			b.onNextWakeUpChanged(lazyNow, newMin.cachedWakeUp, true)
		} else {
			b.onNextWakeUpChanged(lazyNow, DelayedWakeUp{}, false)
		}
	}
}

// moveReady pops every registered queue whose cached wake-up is due,
// running it through the standard wake-up sequence (expire delayed tasks
// into the work queue, then recompute and re-register the queue's next
// wake-up against self), until the earliest remaining wake-up is in the
// future or no queue is registered at all.
func (b *baseTimeDomain) moveReady(lazyNow *LazyNow, order *EnqueueOrderGenerator, self TimeDomain) {
	for {
		tq, ok := b.heap.Min()
		if !ok || tq.cachedWakeUp.Time.After(lazyNow.Now()) {
			return
		}
		tq.onWakeUp(lazyNow, order, self)
	}
}

func (b *baseTimeDomain) unregisterQueue(tq *TaskQueue, lazyNow *LazyNow) {
	b.setNextWakeUpForQueue(tq, DelayedWakeUp{}, false, lazyNow)
}

// RealTimeDomain is the production TimeDomain: Now reads the system clock,
// and wake-up changes are forwarded to the owning SequenceManager so it can
// ask its HostController to arm a delayed callback.
type RealTimeDomain struct {
	*baseTimeDomain
	clock Clock
}

// NewRealTimeDomain constructs a RealTimeDomain reporting wake-up changes
// to manager.
func NewRealTimeDomain(manager *SequenceManager) *RealTimeDomain {
	d := &RealTimeDomain{clock: realClock{}}
	d.baseTimeDomain = newBaseTimeDomain(func(lazyNow *LazyNow, wakeUp DelayedWakeUp, hasWakeUp bool) {
		manager.setNextDelayedDoWork(lazyNow, wakeUp, hasWakeUp)
	})
	return d
}

func (d *RealTimeDomain) Now() time.Time { return d.clock.Now() }

func (d *RealTimeDomain) Name() string { return "real" }

func (d *RealTimeDomain) CreateLazyNow() *LazyNow { return &LazyNow{domain: d} }

func (d *RealTimeDomain) DelayTillNextTask(lazyNow *LazyNow) (time.Duration, bool) {
	return d.delayTillNextTask(lazyNow)
}

func (d *RealTimeDomain) SetNextWakeUpForQueue(tq *TaskQueue, wakeUp DelayedWakeUp, hasWakeUp bool, lazyNow *LazyNow) {
	d.setNextWakeUpForQueue(tq, wakeUp, hasWakeUp, lazyNow)
}

func (d *RealTimeDomain) MoveReadyDelayedTasksToWorkQueues(lazyNow *LazyNow, order *EnqueueOrderGenerator) {
	d.moveReady(lazyNow, order, d)
}

func (d *RealTimeDomain) UnregisterQueue(tq *TaskQueue) {
	d.unregisterQueue(tq, d.CreateLazyNow())
}

// VirtualTimeDomain is a test double: its clock only moves when AdvanceTo
// or AdvanceBy is called, and it never asks a host to arm a real timer —
// onNextWakeUpChanged is a no-op, matching the "non-waking" variant named
// in the scheduling core's design notes. Scenario tests drive it directly
// instead of sleeping.
type VirtualTimeDomain struct {
	*baseTimeDomain

	mu  sync.Mutex
	now time.Time
}

// NewVirtualTimeDomain constructs a VirtualTimeDomain whose clock starts at
// start.
func NewVirtualTimeDomain(start time.Time) *VirtualTimeDomain {
	d := &VirtualTimeDomain{now: start}
	d.baseTimeDomain = newBaseTimeDomain(func(*LazyNow, DelayedWakeUp, bool) {})
	return d
}

func (d *VirtualTimeDomain) Now() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// AdvanceTo moves the virtual clock forward to t, a no-op if t is not
// after the current time.
func (d *VirtualTimeDomain) AdvanceTo(t time.Time) {
	d.mu.Lock()
	if t.After(d.now) {
		d.now = t
	}
	d.mu.Unlock()
}

// AdvanceBy moves the virtual clock forward by dur.
func (d *VirtualTimeDomain) AdvanceBy(dur time.Duration) {
	d.mu.Lock()
	d.now = d.now.Add(dur)
	d.mu.Unlock()
}

func (d *VirtualTimeDomain) Name() string { return "virtual" }

func (d *VirtualTimeDomain) CreateLazyNow() *LazyNow { return &LazyNow{domain: d} }

func (d *VirtualTimeDomain) DelayTillNextTask(lazyNow *LazyNow) (time.Duration, bool) {
	return d.delayTillNextTask(lazyNow)
}

func (d *VirtualTimeDomain) SetNextWakeUpForQueue(tq *TaskQueue, wakeUp DelayedWakeUp, hasWakeUp bool, lazyNow *LazyNow) {
	d.setNextWakeUpForQueue(tq, wakeUp, hasWakeUp, lazyNow)
}

func (d *VirtualTimeDomain) MoveReadyDelayedTasksToWorkQueues(lazyNow *LazyNow, order *EnqueueOrderGenerator) {
	d.moveReady(lazyNow, order, d)
}

func (d *VirtualTimeDomain) UnregisterQueue(tq *TaskQueue) {
	d.unregisterQueue(tq, d.CreateLazyNow())
}
