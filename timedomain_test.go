package seqmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTimeDomainTestQueue(td TimeDomain) *TaskQueue {
	m := &SequenceManager{order: NewEnqueueOrderGenerator(), thread: NewBoundAssociatedThreadId()}
	return newTaskQueue(m, TaskQueueSpec{
		Name: "q", Priority: PriorityNormal, TimeDomain: td,
	})
}

func TestVirtualTimeDomain_AdvanceToIsMonotonic(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewVirtualTimeDomain(start)
	assert.True(t, d.Now().Equal(start))

	d.AdvanceTo(start.Add(-time.Hour))
	assert.True(t, d.Now().Equal(start), "advancing backward is a no-op")

	later := start.Add(time.Minute)
	d.AdvanceTo(later)
	assert.True(t, d.Now().Equal(later))
}

func TestVirtualTimeDomain_AdvanceByAccumulates(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewVirtualTimeDomain(start)
	d.AdvanceBy(time.Second)
	d.AdvanceBy(2 * time.Second)
	assert.True(t, d.Now().Equal(start.Add(3*time.Second)))
}

func TestLazyNow_MemoizesAcrossCalls(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewVirtualTimeDomain(start)
	lazy := d.CreateLazyNow()
	first := lazy.Now()
	d.AdvanceBy(time.Hour)
	second := lazy.Now()
	assert.True(t, first.Equal(second), "LazyNow must not re-read the clock once memoized")
}

func TestTimeDomain_SetNextWakeUpForQueue_InsertUpdateErase(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewVirtualTimeDomain(start)
	tq := newTimeDomainTestQueue(d)
	lazy := d.CreateLazyNow()

	d.SetNextWakeUpForQueue(tq, DelayedWakeUp{Time: start.Add(time.Minute)}, true, lazy)
	dur, ok := d.DelayTillNextTask(lazy)
	require.True(t, ok)
	assert.Equal(t, time.Minute, dur)

	d.SetNextWakeUpForQueue(tq, DelayedWakeUp{Time: start.Add(30 * time.Second)}, true, lazy)
	dur, ok = d.DelayTillNextTask(lazy)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, dur)

	d.SetNextWakeUpForQueue(tq, DelayedWakeUp{}, false, lazy)
	_, ok = d.DelayTillNextTask(lazy)
	assert.False(t, ok)
}

func TestTimeDomain_DelayTillNextTask_ZeroWhenDue(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewVirtualTimeDomain(start)
	tq := newTimeDomainTestQueue(d)
	lazy := d.CreateLazyNow()

	d.SetNextWakeUpForQueue(tq, DelayedWakeUp{Time: start.Add(-time.Second)}, true, lazy)
	dur, ok := d.DelayTillNextTask(d.CreateLazyNow())
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), dur)
}

func TestTimeDomain_MoveReadyDelayedTasksToWorkQueues(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewVirtualTimeDomain(start)
	tq := newTimeDomainTestQueue(d)
	order := tq.manager.order

	ran := make([]string, 0, 2)
	tq.PostTask(PostedTask{Callback: func() { ran = append(ran, "a") }, Delay: time.Second})
	tq.PostTask(PostedTask{Callback: func() { ran = append(ran, "b") }, Delay: 2 * time.Second})

	d.AdvanceBy(3 * time.Second)
	d.MoveReadyDelayedTasksToWorkQueues(d.CreateLazyNow(), order)

	first, ok := tq.delayedWQ.TakeTaskFromWorkQueue()
	require.True(t, ok)
	first.Callback()
	second, ok := tq.delayedWQ.TakeTaskFromWorkQueue()
	require.True(t, ok)
	second.Callback()
	assert.Equal(t, []string{"a", "b"}, ran)

	_, ok = d.DelayTillNextTask(d.CreateLazyNow())
	assert.False(t, ok)
}

func TestTimeDomain_UnregisterQueueClearsWakeUp(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewVirtualTimeDomain(start)
	tq := newTimeDomainTestQueue(d)
	lazy := d.CreateLazyNow()
	d.SetNextWakeUpForQueue(tq, DelayedWakeUp{Time: start.Add(time.Minute)}, true, lazy)

	d.UnregisterQueue(tq)
	_, ok := d.DelayTillNextTask(d.CreateLazyNow())
	assert.False(t, ok)
}
