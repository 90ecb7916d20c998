package seqmgr

// WorkQueueSetObserver receives notifications when a per-priority set
// transitions between empty and non-empty. TaskQueueSelector builds its
// sets without an observer and checks heap emptiness directly (hasWork).
type WorkQueueSetObserver interface {
	WorkQueueSetBecameEmpty(priority Priority)
	WorkQueueSetBecameNonEmpty(priority Priority)
}

// WorkQueueSets indexes, per priority, the WorkQueue with the oldest ready
// task. A WorkQueue is present in its priority's heap iff it is non-empty,
// not blocked by fence, and its owning TaskQueue is enabled.
type WorkQueueSets struct {
	heaps    [priorityCount]*intrusiveHeap[*WorkQueue]
	observer WorkQueueSetObserver
}

func newWorkQueueSets(observer WorkQueueSetObserver) *WorkQueueSets {
	s := &WorkQueueSets{observer: observer}
	for p := range s.heaps {
		s.heaps[p] = newIntrusiveHeap(
			func(a, b *WorkQueue) bool { return a.frontOrder.Less(b.frontOrder) },
			func(wq *WorkQueue, h heapHandle) { wq.heapHandle = h },
		)
	}
	return s
}

// AddQueue registers wq at the given priority. If wq currently has a
// front task order, it is inserted into that priority's heap; if the heap
// was empty, the observer is notified.
func (s *WorkQueueSets) AddQueue(wq *WorkQueue, priority Priority) {
	wq.sets = s
	wq.priority = priority
	wq.registered = true
	if order, ok := wq.FrontTaskOrder(); ok {
		wq.frontOrder = order
		s.insert(wq, priority)
	}
}

// RemoveQueue unregisters wq, erasing it from its priority's heap if
// present.
func (s *WorkQueueSets) RemoveQueue(wq *WorkQueue) {
	if wq.heapHandle != noHeapHandle {
		s.erase(wq, wq.priority)
	}
	wq.sets = nil
	wq.registered = false
}

// ChangeSetIndex moves wq from its current priority's heap to newPriority,
// notifying BecameNonEmpty for the new priority before BecameEmpty for the
// old, so an observer never sees "all sets empty" even momentarily.
func (s *WorkQueueSets) ChangeSetIndex(wq *WorkQueue, newPriority Priority) {
	oldPriority := wq.priority
	if oldPriority == newPriority {
		return
	}
	hadEntry := wq.heapHandle != noHeapHandle
	if hadEntry {
		s.heaps[oldPriority].Erase(wq.heapHandle)
		wq.heapHandle = noHeapHandle
	}
	wq.priority = newPriority
	if hadEntry {
		s.insert(wq, newPriority)
		if s.heaps[oldPriority].Empty() {
			s.notifyEmpty(oldPriority)
		}
	}
}

// OnQueuesFrontTaskChanged re-keys wq in its priority heap, or erases it
// if it became empty/blocked. wq.frontOrder must already reflect the new
// front before calling this.
func (s *WorkQueueSets) OnQueuesFrontTaskChanged(wq *WorkQueue) {
	order, ok := wq.FrontTaskOrder()
	if !ok {
		if wq.heapHandle != noHeapHandle {
			s.erase(wq, wq.priority)
		}
		return
	}
	wq.frontOrder = order
	if wq.heapHandle == noHeapHandle {
		s.insert(wq, wq.priority)
		return
	}
	s.heaps[wq.priority].ChangeKey(wq.heapHandle, wq)
}

// OnTaskPushedToEmptyQueue inserts wq into its priority's heap; wq must
// not already be present.
func (s *WorkQueueSets) OnTaskPushedToEmptyQueue(wq *WorkQueue) {
	if !wq.registered {
		return
	}
	if wq.heapHandle != noHeapHandle {
		invariantViolation("on_task_pushed_to_empty_queue: already present")
	}
	order, ok := wq.FrontTaskOrder()
	if !ok {
		return
	}
	wq.frontOrder = order
	s.insert(wq, wq.priority)
}

// OnPopMinQueueInSet handles wq's front task having just been popped: its
// new front either re-keys wq in place, removes it (now empty/blocked),
// or inserts it fresh — the last case happens when an inline incoming-
// buffer reload already ran and re-populated wq before this notification
// fires. Handle-keyed rather than positional, so it is correct regardless
// of which of those already happened.
func (s *WorkQueueSets) OnPopMinQueueInSet(wq *WorkQueue) {
	s.OnQueuesFrontTaskChanged(wq)
}

// OnQueueBlocked erases wq if present; a no-op otherwise.
func (s *WorkQueueSets) OnQueueBlocked(wq *WorkQueue) {
	if wq.heapHandle != noHeapHandle {
		s.erase(wq, wq.priority)
	}
}

// GetOldestQueueAndTaskOrder returns the WorkQueue with the oldest ready
// task at the given priority, if any.
func (s *WorkQueueSets) GetOldestQueueAndTaskOrder(priority Priority) (*WorkQueue, TaskOrder, bool) {
	wq, ok := s.heaps[priority].Min()
	if !ok {
		return nil, TaskOrder{}, false
	}
	return wq, wq.frontOrder, true
}

func (s *WorkQueueSets) hasWork(priority Priority) bool {
	return !s.heaps[priority].Empty()
}

// CollectSkippedOverLowerPriorityTasks appends, for each priority lower
// than selected's, every task whose TaskOrder is less than selected's
// front TaskOrder. Diagnostic only; not on any hot path.
func (s *WorkQueueSets) CollectSkippedOverLowerPriorityTasks(selected *WorkQueue, out *[]*Task) {
	for p := selected.priority + 1; p < priorityCount; p++ {
		for _, wq := range s.heaps[p].items[1:] {
			if wq.frontOrder.Less(selected.frontOrder) {
				if t := wq.front(); t != nil {
					*out = append(*out, t)
				}
			}
		}
	}
}

func (s *WorkQueueSets) insert(wq *WorkQueue, priority Priority) {
	wasEmpty := s.heaps[priority].Empty()
	s.heaps[priority].Insert(wq)
	if wasEmpty {
		s.notifyNonEmpty(priority)
	}
}

func (s *WorkQueueSets) erase(wq *WorkQueue, priority Priority) {
	s.heaps[priority].Erase(wq.heapHandle)
	if s.heaps[priority].Empty() {
		s.notifyEmpty(priority)
	}
}

func (s *WorkQueueSets) notifyEmpty(priority Priority) {
	if s.observer != nil {
		s.observer.WorkQueueSetBecameEmpty(priority)
	}
}

func (s *WorkQueueSets) notifyNonEmpty(priority Priority) {
	if s.observer != nil {
		s.observer.WorkQueueSetBecameNonEmpty(priority)
	}
}
