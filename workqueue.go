package seqmgr

// WorkQueueKind distinguishes a TaskQueue's two WorkQueues.
type WorkQueueKind int

const (
	KindImmediate WorkQueueKind = iota
	KindDelayed
)

// WorkQueue is an ordered FIFO of Tasks for one (TaskQueue, kind) pair,
// with an optional fence that can mask the queue's head from the
// selector. Every WorkQueue belongs to exactly one TaskQueue for its
// lifetime.
//
// Tasks appear in strictly increasing enqueue_order (immediate queues) or
// non-decreasing enqueue_order (delayed queues; equal orders are allowed
// within a single expiry batch). A WorkQueue is "blocked by fence" iff a
// fence is set and either the deque is empty or the front task's
// TaskOrder is >= the fence's.
type WorkQueue struct {
	kind  WorkQueueKind
	owner *TaskQueue
	name  string

	tasks []*Task
	head  int

	fence *Fence

	// sets/priority/heapHandle/frontOrder are WorkQueueSets bookkeeping:
	// sets is nil until the queue is registered; priority is a cached
	// copy of the set index so re-registration after a priority change
	// sorts into the right heap; heapHandle is the slot this WorkQueue's
	// own handle field occupies in that heap (see DESIGN.md's note on
	// intrusive data structures — the handle lives on the managed item,
	// not in a side table); frontOrder caches the current front task's
	// TaskOrder for the heap's comparator.
	sets       *WorkQueueSets
	priority   Priority
	heapHandle heapHandle
	frontOrder TaskOrder
	registered bool
}

func newWorkQueue(owner *TaskQueue, kind WorkQueueKind, name string) *WorkQueue {
	return &WorkQueue{owner: owner, kind: kind, name: name}
}

func (wq *WorkQueue) lastEnqueueOrder() (EnqueueOrder, bool) {
	if len(wq.tasks) == wq.head {
		return EnqueueOrderNone, false
	}
	return wq.tasks[len(wq.tasks)-1].order, true
}

func (wq *WorkQueue) isEmpty() bool { return wq.head >= len(wq.tasks) }

func (wq *WorkQueue) front() *Task {
	if wq.isEmpty() {
		return nil
	}
	return wq.tasks[wq.head]
}

func (wq *WorkQueue) isBlockedByFence() bool {
	if wq.fence == nil {
		return false
	}
	f := wq.front()
	if f == nil {
		return true
	}
	return wq.fence.Blocks(f.taskOrder())
}

// FrontTaskOrder returns the TaskOrder of the front task, unless the
// queue is empty or blocked by a fence.
func (wq *WorkQueue) FrontTaskOrder() (TaskOrder, bool) {
	if wq.isBlockedByFence() {
		return TaskOrder{}, false
	}
	f := wq.front()
	if f == nil {
		return TaskOrder{}, false
	}
	return f.taskOrder(), true
}

func (wq *WorkQueue) compact() {
	if wq.head == 0 {
		return
	}
	if wq.head < 64 && wq.head*2 < len(wq.tasks) {
		return
	}
	n := copy(wq.tasks, wq.tasks[wq.head:])
	for i := n; i < len(wq.tasks); i++ {
		wq.tasks[i] = nil
	}
	wq.tasks = wq.tasks[:n]
	wq.head = 0
}

// Push appends task to the back of the deque, enforcing monotonic
// enqueue_order (strict for immediate, non-decreasing for delayed). If
// the queue was empty and the new front isn't fenced, WorkQueueSets is
// notified that this queue now has work.
func (wq *WorkQueue) Push(task *Task) {
	if last, ok := wq.lastEnqueueOrder(); ok {
		switch wq.kind {
		case KindImmediate:
			if !(last < task.order) {
				invariantViolation("work queue: immediate enqueue_order not strictly increasing")
			}
		case KindDelayed:
			if task.order < last {
				invariantViolation("work queue: delayed enqueue_order not monotonically non-decreasing")
			}
		}
	}
	wasEmpty := wq.isEmpty()
	wq.tasks = append(wq.tasks, task)
	if wasEmpty {
		wq.frontOrder = task.taskOrder()
		if !wq.isBlockedByFence() {
			wq.notifyPushedToEmpty()
		}
	}
}

// PushNonNestableToFront pushes task to the front of the deque, used only
// to re-queue a task deferred from a nested run loop. The caller
// guarantees task's enqueue_order is <= the current front's.
func (wq *WorkQueue) PushNonNestableToFront(task *Task) {
	wasEmpty := wq.isEmpty()
	wasBlocked := wq.isBlockedByFence()
	wq.compact()
	if wq.head > 0 {
		wq.head--
		wq.tasks[wq.head] = task
	} else {
		wq.tasks = append([]*Task{task}, wq.tasks...)
	}
	wq.frontOrder = task.taskOrder()
	nowBlocked := wq.isBlockedByFence()
	if wasEmpty || (wasBlocked && !nowBlocked) {
		wq.notifyPushedToEmpty()
	} else if !nowBlocked {
		wq.notifyFrontTaskChanged()
	}
}

// TakeImmediateIncomingTasks swaps this (immediate-kind) queue's deque,
// which must currently be empty, with the owning TaskQueue's cross-thread
// incoming buffer. While scanning the swapped-in tasks, an armed
// delayed fence whose threshold is crossed is activated, anchored at the
// crossing task's enqueue_order.
func (wq *WorkQueue) TakeImmediateIncomingTasks() {
	if wq.kind != KindImmediate {
		invariantViolation("take_immediate_incoming_tasks on non-immediate work queue")
	}
	if !wq.isEmpty() {
		invariantViolation("take_immediate_incoming_tasks: queue not empty")
	}
	incoming := wq.owner.swapImmediateIncoming()
	if len(incoming) == 0 {
		return
	}
	applyDelayedFenceActivation(wq.owner, incoming)
	wq.tasks = incoming
	wq.head = 0
	wq.frontOrder = wq.tasks[0].taskOrder()
	// During an inline reload from TakeTaskFromWorkQueue this queue is
	// still present in its set; the pop notification that follows re-keys
	// it there, so only a queue currently absent gets the insert here.
	if !wq.isBlockedByFence() && wq.heapHandle == noHeapHandle {
		wq.notifyPushedToEmpty()
	}
}

// TakeTaskFromWorkQueue pops the front task. If this is an immediate
// queue and the deque is now empty, it is immediately reloaded from the
// incoming buffer (the amortized-O(1) reload pattern), even though
// nothing would otherwise have notified WorkQueueSets of new content.
func (wq *WorkQueue) TakeTaskFromWorkQueue() (*Task, bool) {
	if wq.isEmpty() {
		return nil, false
	}
	task := wq.tasks[wq.head]
	wq.tasks[wq.head] = nil
	wq.head++
	wq.compact()

	if wq.isEmpty() && wq.kind == KindImmediate {
		wq.TakeImmediateIncomingTasks()
	} else if !wq.isEmpty() {
		wq.frontOrder = wq.tasks[wq.head].taskOrder()
	}

	wq.notifyPopMin()
	return task, true
}

// RemoveAllCanceledTasksFromFront drops leading tasks that are canceled,
// recomputing the empty/front state. Returns whether anything was
// removed.
func (wq *WorkQueue) RemoveAllCanceledTasksFromFront() bool {
	removed := false
	for !wq.isEmpty() && wq.tasks[wq.head].Canceled() {
		wq.tasks[wq.head] = nil
		wq.head++
		removed = true
	}
	if !removed {
		return false
	}
	wq.compact()
	if wq.isEmpty() {
		wq.notifyBlockedOrEmptied()
		return true
	}
	wq.frontOrder = wq.tasks[wq.head].taskOrder()
	if wq.isBlockedByFence() {
		wq.notifyBlockedOrEmptied()
	} else {
		wq.notifyFrontTaskChanged()
	}
	return true
}

// InsertFence sets (or overrides) the fence, reporting whether it unblocks
// the queue.
func (wq *WorkQueue) InsertFence(f Fence) (unblocked bool) {
	wasBlocked := wq.isBlockedByFence()
	wq.fence = &f
	nowBlocked := wq.isBlockedByFence()
	switch {
	case wasBlocked && !nowBlocked:
		wq.notifyPushedToEmpty()
		return true
	case nowBlocked:
		// OnQueueBlocked is idempotent (erase-if-present), so this is
		// safe to call even if the queue was already blocked/absent.
		wq.notifyBlockedOrEmptied()
		return false
	}
	return false
}

// RemoveFence clears the fence, reporting whether it unblocks the queue.
func (wq *WorkQueue) RemoveFence() (unblocked bool) {
	if wq.fence == nil {
		return false
	}
	wasBlocked := wq.isBlockedByFence()
	wq.fence = nil
	if wasBlocked && !wq.isEmpty() {
		wq.notifyPushedToEmpty()
		return true
	}
	return false
}

func (wq *WorkQueue) notifyPushedToEmpty() {
	if wq.sets != nil {
		wq.sets.OnTaskPushedToEmptyQueue(wq)
	}
}

func (wq *WorkQueue) notifyFrontTaskChanged() {
	if wq.sets != nil {
		wq.sets.OnQueuesFrontTaskChanged(wq)
	}
}

func (wq *WorkQueue) notifyPopMin() {
	if wq.sets != nil {
		wq.sets.OnPopMinQueueInSet(wq)
	}
}

func (wq *WorkQueue) notifyBlockedOrEmptied() {
	if wq.sets != nil {
		wq.sets.OnQueueBlocked(wq)
	}
}

// applyDelayedFenceActivation converts owner's armed delayed fence into an
// active current fence, anchored at the first task (in order) whose
// delayed_run_time crosses the fence's threshold.
func applyDelayedFenceActivation(owner *TaskQueue, tasks []*Task) {
	if owner.delayedFence == nil {
		return
	}
	for _, t := range tasks {
		if !t.delayedRunTime.Before(owner.delayedFence.threshold) {
			owner.delayedFence = nil
			f := NewFence(TaskOrder{EnqueueOrder: t.order})
			owner.currentFence = &f
			owner.immediateWQ.InsertFence(f)
			owner.delayedWQ.InsertFence(f)
			return
		}
	}
}
