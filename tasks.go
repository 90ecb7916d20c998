package seqmgr

import (
	"sync/atomic"
	"time"
)

// Priority is a TaskQueue's scheduling priority. Lower values run first;
// Control always preempts every other priority and is exempt from
// starvation accounting.
type Priority int

const (
	PriorityControl Priority = iota
	PriorityHighest
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBestEffort

	priorityCount
)

func (p Priority) String() string {
	switch p {
	case PriorityControl:
		return "control"
	case PriorityHighest:
		return "highest"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBestEffort:
		return "best_effort"
	default:
		return "unknown"
	}
}

// Nestability controls whether a task may run from within a nested run
// loop (see SequenceManager.OnBeginNestedRunLoop).
type Nestability int

const (
	Nestable Nestability = iota
	NonNestable
)

// TaskType is an opaque tag passed through to observers unmodified. The
// scheduler never inspects or acts on its value; callers may overload it
// with whatever categorization their tracing/metrics layer needs.
type TaskType int

// SourceLocation records where a task was posted from, for diagnostics.
type SourceLocation struct {
	File     string
	Line     int
	Function string
}

// CancelToken lets a producer mark a posted task as canceled after the
// fact, without needing direct access to the queue it was posted to. The
// zero value is never canceled. Safe for concurrent use.
type CancelToken struct {
	canceled atomic.Bool
}

// Cancel marks the token (and every task that references it) canceled.
func (c *CancelToken) Cancel() { c.canceled.Store(true) }

// Canceled reports whether Cancel has been called.
func (c *CancelToken) Canceled() bool { return c != nil && c.canceled.Load() }

// PostedTask is owned by the producer until it is handed off to a
// TaskQueue via PostTask.
type PostedTask struct {
	// Callback is the work to run. A nil Callback is treated identically
	// to a canceled task: it is silently dropped.
	Callback func()
	Location SourceLocation
	// Delay is the time to wait before the task becomes eligible to run.
	// Zero means "immediate".
	Delay       time.Duration
	Nestability Nestability
	TaskType    TaskType
	// Cancel, if non-nil, lets the producer cancel the task after posting.
	Cancel *CancelToken
}

type sequenceNum int32

// Task is a PostedTask that has been accepted by a queue.
type Task struct {
	PostedTask

	// delayedRunTime is the wall-clock time at which the task becomes
	// eligible to run; zero for immediate tasks.
	delayedRunTime time.Time
	// seq breaks ties among delayed tasks with equal time/enqueue-order.
	// Comparison tolerates 32-bit wraparound via subtraction.
	seq sequenceNum
	// order is set at post time for immediate tasks, and at
	// expiry-to-work-queue transfer time for delayed tasks.
	order EnqueueOrder
	// highRes hints that the task needs a high-resolution timer.
	highRes bool
}

// Canceled reports whether this task should be silently dropped: either
// its callback is nil, or its cancel token (if any) has fired.
func (t *Task) Canceled() bool {
	return t == nil || t.Callback == nil || t.Cancel.Canceled()
}

// taskOrder returns the Task's position in the engine's strict total order.
func (t *Task) taskOrder() TaskOrder {
	return TaskOrder{EnqueueOrder: t.order, DelayedRunTime: t.delayedRunTime, SequenceNum: t.seq}
}

// TaskOrder is the triple (enqueue_order, delayed_run_time, sequence_num)
// forming a strict total order over every Task accepted by the engine:
// compare EnqueueOrder first; on tie, DelayedRunTime; on tie, SequenceNum
// (wraparound-tolerant). TaskOrder is immutable once constructed.
type TaskOrder struct {
	EnqueueOrder   EnqueueOrder
	DelayedRunTime time.Time
	SequenceNum    sequenceNum
}

// Less reports whether a strictly precedes b in the total order.
func (a TaskOrder) Less(b TaskOrder) bool {
	if a.EnqueueOrder != b.EnqueueOrder {
		return a.EnqueueOrder < b.EnqueueOrder
	}
	if !a.DelayedRunTime.Equal(b.DelayedRunTime) {
		return a.DelayedRunTime.Before(b.DelayedRunTime)
	}
	return int32(a.SequenceNum-b.SequenceNum) < 0
}

// Equal reports whether a and b are the same position in the total order.
func (a TaskOrder) Equal(b TaskOrder) bool {
	return a.EnqueueOrder == b.EnqueueOrder && a.DelayedRunTime.Equal(b.DelayedRunTime) && a.SequenceNum == b.SequenceNum
}

// WakeUpResolution distinguishes low- from high-resolution wake-ups; it
// only matters as a tiebreaker between DelayedWakeUps at equal times.
type WakeUpResolution int

const (
	ResolutionLow WakeUpResolution = iota
	ResolutionHigh
)

// DelayedWakeUp is a (time, resolution) pair identifying when a TaskQueue
// next needs attention.
type DelayedWakeUp struct {
	Time       time.Time
	Resolution WakeUpResolution
}

// Less reports whether a strictly precedes b, comparing Time then
// Resolution as a tiebreaker.
func (a DelayedWakeUp) Less(b DelayedWakeUp) bool {
	if !a.Time.Equal(b.Time) {
		return a.Time.Before(b.Time)
	}
	return a.Resolution < b.Resolution
}

// Equal reports whether a and b denote the same wake-up.
func (a DelayedWakeUp) Equal(b DelayedWakeUp) bool {
	return a.Time.Equal(b.Time) && a.Resolution == b.Resolution
}

// Fence is a TaskOrder-valued marker that blocks every task whose
// TaskOrder is >= the fence's. At most one Fence is active per TaskQueue
// at a time.
type Fence struct {
	order TaskOrder
}

// NewFence constructs a fence at the given TaskOrder.
func NewFence(order TaskOrder) Fence { return Fence{order: order} }

// BlockingFence returns the distinguished fence that blocks every task:
// its EnqueueOrder (1) is less than every real task's.
func BlockingFence() Fence {
	return Fence{order: TaskOrder{EnqueueOrder: EnqueueOrderBlockingFence}}
}

// Blocks reports whether the fence blocks a task at the given order.
func (f Fence) Blocks(order TaskOrder) bool {
	return !order.Less(f.order)
}

// Order returns the fence's TaskOrder.
func (f Fence) Order() TaskOrder { return f.order }
