package seqmgr

// starvation thresholds and increments. Empirical constants carried over
// unchanged (see DESIGN.md, Open Question 2): unexported package
// constants; no SequenceManagerOption sets them.
const (
	lowStarvationThreshold    = 25
	normalStarvationThreshold = 5
	highStarvationThreshold   = 3

	immediateStarvationThreshold = 3
)

// SelectorObserver is notified when a queue transitions from disabled to
// enabled, so the SequenceManager can schedule a do-work tick if work is
// now reachable.
type SelectorObserver interface {
	OnTaskQueueEnabled(tq *TaskQueue)
}

// TaskQueueSelector chooses the next WorkQueue to service across
// priorities, applying anti-starvation policy so lower priorities
// eventually run even under sustained higher-priority load.
type TaskQueueSelector struct {
	immediate *WorkQueueSets
	delayed   *WorkQueueSets

	lowStarvation    int
	normalStarvation int
	highStarvation   int

	immediateStarvationCount int

	observer SelectorObserver
}

func newTaskQueueSelector(observer SelectorObserver) *TaskQueueSelector {
	s := &TaskQueueSelector{observer: observer}
	s.immediate = newWorkQueueSets(nil)
	s.delayed = newWorkQueueSets(nil)
	return s
}

func (s *TaskQueueSelector) hasWork(priority Priority) bool {
	return s.immediate.hasWork(priority) || s.delayed.hasWork(priority)
}

// EnableQueue registers queue's two WorkQueues with the selector's sets at
// their current priority, and notifies the observer that enabled work may
// now be reachable.
func (s *TaskQueueSelector) EnableQueue(tq *TaskQueue) {
	s.immediate.AddQueue(tq.immediateWQ, tq.priority)
	s.delayed.AddQueue(tq.delayedWQ, tq.priority)
	if s.observer != nil {
		s.observer.OnTaskQueueEnabled(tq)
	}
}

// DisableQueue removes queue's two WorkQueues from the selector's sets.
func (s *TaskQueueSelector) DisableQueue(tq *TaskQueue) {
	s.immediate.RemoveQueue(tq.immediateWQ)
	s.delayed.RemoveQueue(tq.delayedWQ)
}

// SetQueuePriority moves queue's two WorkQueues to newPriority's heaps.
func (s *TaskQueueSelector) SetQueuePriority(tq *TaskQueue, newPriority Priority) {
	s.immediate.ChangeSetIndex(tq.immediateWQ, newPriority)
	s.delayed.ChangeSetIndex(tq.delayedWQ, newPriority)
}

// SelectWorkQueueToService picks the next WorkQueue the SequenceManager
// should pop a task from, or reports none is available.
func (s *TaskQueueSelector) SelectWorkQueueToService() (*WorkQueue, bool) {
	if s.hasWork(PriorityControl) {
		wq, _ := s.chooseWithPriority(PriorityControl)
		return wq, wq != nil
	}

	priority := s.pickPriority()
	wq, choseDelayed := s.chooseWithPriority(priority)
	if wq == nil {
		return nil, false
	}
	s.recordSelection(priority, choseDelayed)
	return wq, true
}

func (s *TaskQueueSelector) pickPriority() Priority {
	switch {
	case s.lowStarvation >= lowStarvationThreshold && s.hasWork(PriorityLow):
		return PriorityLow
	case s.normalStarvation >= normalStarvationThreshold && s.hasWork(PriorityNormal):
		return PriorityNormal
	case s.highStarvation >= highStarvationThreshold && s.hasWork(PriorityHigh):
		return PriorityHigh
	}
	for p := PriorityHighest; p < priorityCount; p++ {
		if s.hasWork(p) {
			return p
		}
	}
	return priorityCount // sentinel: nothing has work
}

func (s *TaskQueueSelector) chooseWithPriority(priority Priority) (wq *WorkQueue, choseDelayed bool) {
	if priority >= priorityCount {
		return nil, false
	}
	iwq, iOrder, iOK := s.immediate.GetOldestQueueAndTaskOrder(priority)
	dwq, dOrder, dOK := s.delayed.GetOldestQueueAndTaskOrder(priority)

	switch {
	case s.immediateStarvationCount >= immediateStarvationThreshold && iOK:
		return iwq, false
	case iOK && dOK && iOrder.EnqueueOrder < dOrder.EnqueueOrder:
		return iwq, false
	case iOK && dOK:
		return dwq, true
	case iOK:
		return iwq, false
	case dOK:
		return dwq, true
	default:
		return nil, false
	}
}

// recordSelection updates starvation bookkeeping after a non-control
// selection at priority. Scores of lower priorities that have work grow
// (highest: +1 each; high: low +5, normal +2; normal: low +5), and the
// scores at or above the selected priority reset to zero.
func (s *TaskQueueSelector) recordSelection(priority Priority, choseDelayed bool) {
	if choseDelayed {
		s.immediateStarvationCount++
	} else {
		s.immediateStarvationCount = 0
	}

	switch priority {
	case PriorityHighest:
		if s.hasWork(PriorityLow) {
			s.lowStarvation++
		}
		if s.hasWork(PriorityNormal) {
			s.normalStarvation++
		}
		if s.hasWork(PriorityHigh) {
			s.highStarvation++
		}
	case PriorityHigh:
		if s.hasWork(PriorityLow) {
			s.lowStarvation += 5
		}
		if s.hasWork(PriorityNormal) {
			s.normalStarvation += 2
		}
		s.highStarvation = 0
	case PriorityNormal:
		if s.hasWork(PriorityLow) {
			s.lowStarvation += 5
		}
		s.normalStarvation = 0
	case PriorityLow, PriorityBestEffort:
		s.lowStarvation = 0
		s.normalStarvation = 0
		s.highStarvation = 0
	}
}
