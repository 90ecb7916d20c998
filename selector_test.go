package seqmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSelectorObserver struct {
	enabled []*TaskQueue
}

func (o *recordingSelectorObserver) OnTaskQueueEnabled(tq *TaskQueue) {
	o.enabled = append(o.enabled, tq)
}

func newSelectorTestQueue(priority Priority) *TaskQueue {
	return newTaskQueue(nil, TaskQueueSpec{Name: "q", Priority: priority})
}

func TestTaskQueueSelector_ControlAlwaysWinsFirst(t *testing.T) {
	sel := newTaskQueueSelector(nil)

	normal := newSelectorTestQueue(PriorityNormal)
	sel.EnableQueue(normal)
	normal.immediateWQ.Push(taskWithOrder(2))

	control := newSelectorTestQueue(PriorityControl)
	sel.EnableQueue(control)
	control.immediateWQ.Push(taskWithOrder(3))

	wq, ok := sel.SelectWorkQueueToService()
	require.True(t, ok)
	assert.Same(t, control.immediateWQ, wq)
}

func TestTaskQueueSelector_EnableQueueNotifiesObserver(t *testing.T) {
	obs := &recordingSelectorObserver{}
	sel := newTaskQueueSelector(obs)
	tq := newSelectorTestQueue(PriorityNormal)
	sel.EnableQueue(tq)
	assert.Equal(t, []*TaskQueue{tq}, obs.enabled)
}

func TestTaskQueueSelector_DisableQueueRemovesFromSets(t *testing.T) {
	sel := newTaskQueueSelector(nil)
	tq := newSelectorTestQueue(PriorityNormal)
	tq.immediateWQ.Push(taskWithOrder(2))
	sel.EnableQueue(tq)

	sel.DisableQueue(tq)
	_, ok := sel.SelectWorkQueueToService()
	assert.False(t, ok)
}

func TestTaskQueueSelector_OlderEnqueueOrderWinsAcrossQueueKind(t *testing.T) {
	sel := newTaskQueueSelector(nil)
	tq := newSelectorTestQueue(PriorityNormal)
	sel.EnableQueue(tq)
	tq.immediateWQ.Push(taskWithOrder(5))
	tq.delayedWQ.Push(taskWithOrder(3))

	// delayed's task has the older enqueue_order and the starvation guard
	// hasn't tripped yet, so delayed wins the tiebreak.
	wq, ok := sel.SelectWorkQueueToService()
	require.True(t, ok)
	assert.Same(t, tq.delayedWQ, wq)
}

func TestTaskQueueSelector_ImmediateStarvationGuardEventuallyPicksImmediate(t *testing.T) {
	sel := newTaskQueueSelector(nil)
	tq := newSelectorTestQueue(PriorityNormal)
	sel.EnableQueue(tq)

	// delayed orders always stay below immediate orders, so on enqueue_order
	// alone the selector would pick delayed forever; only the starvation
	// guard can force an immediate pick.
	immOrder := EnqueueOrder(1000)
	delOrder := EnqueueOrder(2)
	refill := func() {
		tq.immediateWQ.Push(taskWithOrder(immOrder))
		immOrder++
		tq.delayedWQ.Push(taskWithOrder(delOrder))
		delOrder++
	}
	refill()

	var picks []bool // true == immediate
	for i := 0; i < immediateStarvationThreshold+1; i++ {
		wq, ok := sel.SelectWorkQueueToService()
		require.True(t, ok)
		picks = append(picks, wq == tq.immediateWQ)
		wq.TakeTaskFromWorkQueue()
		refill()
	}

	for i := 0; i < immediateStarvationThreshold; i++ {
		assert.False(t, picks[i], "pick %d should still favor delayed", i)
	}
	assert.True(t, picks[immediateStarvationThreshold], "starvation guard should force the final pick to be immediate")
}
