package seqmgr

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	mu              sync.Mutex
	scheduleWork    int
	delayedWhen     []time.Time
	canceledDelayed int
}

func (h *fakeHost) ScheduleWork() {
	h.mu.Lock()
	h.scheduleWork++
	h.mu.Unlock()
}

func (h *fakeHost) ScheduleDelayedWork(when time.Time) {
	h.mu.Lock()
	h.delayedWhen = append(h.delayedWhen, when)
	h.mu.Unlock()
}

func (h *fakeHost) CancelDelayedWork() {
	h.mu.Lock()
	h.canceledDelayed++
	h.mu.Unlock()
}

func TestSequenceManager_TwoPhaseConstruction(t *testing.T) {
	host := &fakeHost{}
	m := NewSequenceManager(host)
	require.NoError(t, m.BindToCurrentThread())
	assert.Error(t, m.BindToCurrentThread(), "binding twice must fail")
	require.NoError(t, m.CompleteInitializationOnBoundThread())
	assert.NoError(t, m.CompleteInitializationOnBoundThread(), "completion must be idempotent")
}

func TestSequenceManager_CreateTaskQueue_InheritsDefaultTimeDomain(t *testing.T) {
	m := newBoundTestManager(t)
	tq := m.CreateTaskQueue(NewTaskQueueSpec("q"))
	assert.Same(t, m.defaultTimeDomain, tq.GetTimeDomain())
}

func TestSequenceManager_TakeTaskDidRunTask_BasicLifecycle(t *testing.T) {
	m := newBoundTestManager(t)
	tq := m.CreateTaskQueue(NewTaskQueueSpec("q"))

	var ran int
	for i := 0; i < 3; i++ {
		require.NoError(t, tq.PostTask(PostedTask{Callback: func() { ran++ }}))
	}

	for i := 0; i < 3; i++ {
		task, queue, ok := m.TakeTask()
		require.True(t, ok)
		assert.Same(t, tq, queue)
		task.Callback()
		m.DidRunTask()
	}
	assert.Equal(t, 3, ran)

	_, _, ok := m.TakeTask()
	assert.False(t, ok)
}

func TestSequenceManager_DelayTillNextTask(t *testing.T) {
	m := newBoundTestManager(t)
	tq := m.CreateTaskQueue(NewTaskQueueSpec("q"))

	_, ok := m.DelayTillNextTask()
	assert.False(t, ok, "nothing pending anywhere")

	require.NoError(t, tq.PostTask(PostedTask{Callback: func() {}, Delay: time.Hour}))
	d, ok := m.DelayTillNextTask()
	require.True(t, ok)
	assert.True(t, d > 0 && d <= time.Hour)

	require.NoError(t, tq.PostTask(PostedTask{Callback: func() {}}))
	d, ok = m.DelayTillNextTask()
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), d)
}

func TestSequenceManager_GetAndClearSystemIsQuiescentBit(t *testing.T) {
	m := newBoundTestManager(t)
	tq := m.CreateTaskQueue(NewTaskQueueSpec("q", WithQueueQuiescenceMonitored(true)))

	assert.True(t, m.GetAndClearSystemIsQuiescentBit(), "nothing has run yet")
	assert.True(t, m.GetAndClearSystemIsQuiescentBit(), "clearing leaves it quiescent again until a task runs")

	require.NoError(t, tq.PostTask(PostedTask{Callback: func() {}}))
	task, _, ok := m.TakeTask()
	require.True(t, ok)
	task.Callback()
	m.DidRunTask()

	assert.False(t, m.GetAndClearSystemIsQuiescentBit(), "a monitored queue just ran a task")
	assert.True(t, m.GetAndClearSystemIsQuiescentBit(), "bit is cleared after the read")
}

func TestSequenceManager_AddTaskObserverFiresAcrossAllQueues(t *testing.T) {
	m := newBoundTestManager(t)
	tqA := m.CreateTaskQueue(NewTaskQueueSpec("a"))
	tqB := m.CreateTaskQueue(NewTaskQueueSpec("b"))

	var seen []*TaskQueue
	m.AddTaskObserver(recordingManagerObserver{seen: &seen})

	require.NoError(t, tqA.PostTask(PostedTask{Callback: func() {}}))
	require.NoError(t, tqB.PostTask(PostedTask{Callback: func() {}}))
	for i := 0; i < 2; i++ {
		task, queue, ok := m.TakeTask()
		require.True(t, ok)
		task.Callback()
		m.DidRunTask()
		_ = queue
	}
	assert.ElementsMatch(t, []*TaskQueue{tqA, tqB}, seen)
}

type recordingManagerObserver struct {
	seen *[]*TaskQueue
}

func (o recordingManagerObserver) WillProcessTask(t *Task, tq *TaskQueue) { *o.seen = append(*o.seen, tq) }
func (o recordingManagerObserver) DidProcessTask(*Task, *TaskQueue)       {}

func TestSequenceManager_AddTaskTimeObserver_SkippedWhenNested(t *testing.T) {
	m := newBoundTestManager(t)
	tq := m.CreateTaskQueue(NewTaskQueueSpec("q"))

	var calls int
	m.AddTaskTimeObserver(timeObserverFunc(func(*TaskQueue, time.Time, time.Time) { calls++ }))

	require.NoError(t, tq.PostTask(PostedTask{Callback: func() {}}))
	task, _, ok := m.TakeTask()
	require.True(t, ok)

	m.OnBeginNestedRunLoop()
	task.Callback()
	m.DidRunTask()
	m.OnExitNestedRunLoop()

	assert.Equal(t, 0, calls, "task attributed to a nested loop must not report time")
}

type timeObserverFunc func(queue *TaskQueue, start, end time.Time)

func (f timeObserverFunc) OnTaskTime(queue *TaskQueue, start, end time.Time) { f(queue, start, end) }

func TestSequenceManager_NestedRunLoop_DefersNonNestableTasksInOrder(t *testing.T) {
	m := newBoundTestManager(t)
	tq := m.CreateTaskQueue(NewTaskQueueSpec("q"))

	var order []string
	require.NoError(t, tq.PostTask(PostedTask{Callback: func() { order = append(order, "outer") }}))

	outer, _, ok := m.TakeTask()
	require.True(t, ok)
	m.OnBeginNestedRunLoop()

	require.NoError(t, tq.PostTask(PostedTask{Callback: func() { order = append(order, "nonnestable-1") }, Nestability: NonNestable}))
	require.NoError(t, tq.PostTask(PostedTask{Callback: func() { order = append(order, "nonnestable-2") }, Nestability: NonNestable}))
	require.NoError(t, tq.PostTask(PostedTask{Callback: func() { order = append(order, "nestable") }, Nestability: Nestable}))

	// while nested, only the nestable task is reachable
	nested, _, ok := m.TakeTask()
	require.True(t, ok)
	nested.Callback()
	m.DidRunTask()
	_, _, ok = m.TakeTask()
	assert.False(t, ok, "the two non-nestable tasks stay deferred while nested")

	outer.Callback()
	m.DidRunTask()
	m.OnExitNestedRunLoop()

	for i := 0; i < 2; i++ {
		task, _, ok := m.TakeTask()
		require.True(t, ok)
		task.Callback()
		m.DidRunTask()
	}

	assert.Equal(t, []string{"outer", "nestable", "nonnestable-1", "nonnestable-2"}, order)
}

func TestSequenceManager_Terminate_UnregistersEveryQueue(t *testing.T) {
	m := newBoundTestManager(t)
	tq := m.CreateTaskQueue(NewTaskQueueSpec("q"))
	m.Terminate()
	assert.False(t, tq.registered)
	assert.Empty(t, m.queues)

	err := tq.PostTask(PostedTask{Callback: func() {}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrManagerTerminated)
}

func TestSequenceManager_RealTimeDomain_ReportsWakeUpToHost(t *testing.T) {
	host := &fakeHost{}
	m, err := NewBoundSequenceManager(host)
	require.NoError(t, err)
	tq := m.CreateTaskQueue(NewTaskQueueSpec("q"))

	require.NoError(t, tq.PostTask(PostedTask{Callback: func() {}, Delay: time.Hour}))

	host.mu.Lock()
	n := len(host.delayedWhen)
	host.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestSequenceManager_InlineReloadWhileQueueStillSelected(t *testing.T) {
	m := newBoundTestManager(t)
	tq := m.CreateTaskQueue(NewTaskQueueSpec("q"))

	var order []string
	post := func(name string) {
		require.NoError(t, tq.PostTask(PostedTask{Callback: func() { order = append(order, name) }}))
	}
	post("a")
	post("b")

	task, _, ok := m.TakeTask()
	require.True(t, ok)
	task.Callback()
	m.DidRunTask()

	// lands in the cross-thread buffer while "b" still heads the work queue
	post("c")

	// popping "b" empties the work queue mid-selection; the inline reload
	// pulls "c" in while the queue is still the selector's min
	for i := 0; i < 2; i++ {
		task, _, ok = m.TakeTask()
		require.True(t, ok)
		task.Callback()
		m.DidRunTask()
	}

	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestSequenceManager_CanceledTasksInWorkQueueAreBatchSkipped(t *testing.T) {
	m := newBoundTestManager(t)
	tq := m.CreateTaskQueue(NewTaskQueueSpec("q"))

	var events []string
	m.AddTaskObserver(recordingTaskObserver{events: &events})

	cancelA, cancelB := &CancelToken{}, &CancelToken{}
	var order []string
	require.NoError(t, tq.PostTask(PostedTask{Callback: func() { order = append(order, "first") }}))
	require.NoError(t, tq.PostTask(PostedTask{Callback: func() { order = append(order, "a") }, Cancel: cancelA}))
	require.NoError(t, tq.PostTask(PostedTask{Callback: func() { order = append(order, "b") }, Cancel: cancelB}))
	require.NoError(t, tq.PostTask(PostedTask{Callback: func() { order = append(order, "last") }}))

	// the first take reloads all four posts into the work queue
	task, _, ok := m.TakeTask()
	require.True(t, ok)
	task.Callback()
	m.DidRunTask()

	cancelA.Cancel()
	cancelB.Cancel()

	task, _, ok = m.TakeTask()
	require.True(t, ok)
	task.Callback()
	m.DidRunTask()

	_, _, ok = m.TakeTask()
	assert.False(t, ok)
	assert.Equal(t, []string{"first", "last"}, order)
	assert.Len(t, events, 4, "canceled tasks must not be seen by task observers")
}
