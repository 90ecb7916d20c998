package seqmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSetObserver struct {
	becameEmpty    []Priority
	becameNonEmpty []Priority
}

func (o *recordingSetObserver) WorkQueueSetBecameEmpty(p Priority)    { o.becameEmpty = append(o.becameEmpty, p) }
func (o *recordingSetObserver) WorkQueueSetBecameNonEmpty(p Priority) { o.becameNonEmpty = append(o.becameNonEmpty, p) }

func newTestWorkQueue(priority Priority) (*TaskQueue, *WorkQueue) {
	tq := newTaskQueue(nil, TaskQueueSpec{Name: "q", Priority: priority})
	return tq, tq.immediateWQ
}

func TestWorkQueueSets_AddQueueAndGetOldest(t *testing.T) {
	obs := &recordingSetObserver{}
	sets := newWorkQueueSets(obs)

	_, wq1 := newTestWorkQueue(PriorityNormal)
	wq1.Push(taskWithOrder(5))
	sets.AddQueue(wq1, PriorityNormal)

	_, wq2 := newTestWorkQueue(PriorityNormal)
	wq2.Push(taskWithOrder(3))
	sets.AddQueue(wq2, PriorityNormal)

	oldest, order, ok := sets.GetOldestQueueAndTaskOrder(PriorityNormal)
	require.True(t, ok)
	assert.Same(t, wq2, oldest)
	assert.Equal(t, EnqueueOrder(3), order.EnqueueOrder)

	assert.Equal(t, []Priority{PriorityNormal}, obs.becameNonEmpty)
}

func TestWorkQueueSets_RemoveQueueNotifiesEmpty(t *testing.T) {
	obs := &recordingSetObserver{}
	sets := newWorkQueueSets(obs)
	_, wq := newTestWorkQueue(PriorityHigh)
	wq.Push(taskWithOrder(2))
	sets.AddQueue(wq, PriorityHigh)

	sets.RemoveQueue(wq)
	assert.Equal(t, []Priority{PriorityHigh}, obs.becameEmpty)
	assert.False(t, sets.hasWork(PriorityHigh))
}

func TestWorkQueueSets_ChangeSetIndexPreservesMembership(t *testing.T) {
	sets := newWorkQueueSets(nil)
	_, wq := newTestWorkQueue(PriorityNormal)
	wq.Push(taskWithOrder(2))
	sets.AddQueue(wq, PriorityNormal)

	sets.ChangeSetIndex(wq, PriorityHigh)
	assert.False(t, sets.hasWork(PriorityNormal))
	assert.True(t, sets.hasWork(PriorityHigh))
}

func TestWorkQueueSets_PopThenRepushTracksNewFront(t *testing.T) {
	sets := newWorkQueueSets(nil)
	_, wq := newTestWorkQueue(PriorityNormal)
	wq.Push(taskWithOrder(2))
	wq.Push(taskWithOrder(3))
	sets.AddQueue(wq, PriorityNormal)

	_, ok := wq.TakeTaskFromWorkQueue()
	require.True(t, ok)

	_, order, ok := sets.GetOldestQueueAndTaskOrder(PriorityNormal)
	require.True(t, ok)
	assert.Equal(t, EnqueueOrder(3), order.EnqueueOrder)
}
