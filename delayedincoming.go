package seqmgr

import "container/heap"

// delayedIncomingQueue is the main-thread-only priority queue of not-yet-
// expired delayed tasks, keyed by (delayed_run_time, sequence_num). Unlike
// WorkQueueSets' intrusive heaps, this one isn't indexed by any outside
// structure, so a plain container/heap is the idiomatic choice.
type delayedIncomingQueue struct {
	tasks delayedIncomingHeap
}

func (q *delayedIncomingQueue) Push(t *Task) { heap.Push(&q.tasks, t) }

func (q *delayedIncomingQueue) Pop() *Task { return heap.Pop(&q.tasks).(*Task) }

func (q *delayedIncomingQueue) Peek() (*Task, bool) {
	if len(q.tasks) == 0 {
		return nil, false
	}
	return q.tasks[0], true
}

func (q *delayedIncomingQueue) Len() int { return len(q.tasks) }

// RemoveCanceled rebuilds the queue excluding canceled entries.
func (q *delayedIncomingQueue) RemoveCanceled() {
	kept := q.tasks[:0]
	for _, t := range q.tasks {
		if !t.Canceled() {
			kept = append(kept, t)
		}
	}
	q.tasks = kept
	heap.Init(&q.tasks)
}

type delayedIncomingHeap []*Task

func (h delayedIncomingHeap) Len() int { return len(h) }

func (h delayedIncomingHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.delayedRunTime.Equal(b.delayedRunTime) {
		return a.delayedRunTime.Before(b.delayedRunTime)
	}
	return int32(a.seq-b.seq) < 0
}

func (h delayedIncomingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayedIncomingHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *delayedIncomingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
