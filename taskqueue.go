package seqmgr

import (
	"sync"
	"time"
)

// FencePosition selects where InsertFence places a new fence.
type FencePosition int

const (
	// FenceAtNow blocks every task posted after the call, but lets
	// already-queued tasks run.
	FenceAtNow FencePosition = iota
	// FenceAtBeginningOfTime blocks every pending and future task until the
	// fence is removed.
	FenceAtBeginningOfTime
)

// delayedFenceSpec is an armed-but-not-yet-active fence: it becomes the
// queue's current fence the first time a task with DelayedRunTime >=
// threshold is observed (see applyDelayedFenceActivation).
type delayedFenceSpec struct {
	threshold time.Time
}

// TaskObserver is notified immediately before and after a task runs on any
// queue it's registered against.
type TaskObserver interface {
	WillProcessTask(t *Task, queue *TaskQueue)
	DidProcessTask(t *Task, queue *TaskQueue)
}

// TaskTimeObserver is notified with wall-clock task duration, but only for
// tasks that ran outside a nested run loop (nesting_depth == 0), mirroring
// the teacher's distinction between "happened" and "attributable" time.
type TaskTimeObserver interface {
	OnTaskTime(queue *TaskQueue, start, end time.Time)
}

// TaskQueueSpec configures a TaskQueue at creation time.
type TaskQueueSpec struct {
	Name     string
	Priority Priority
	// TimeDomain is the domain this queue's delayed tasks are scheduled
	// against. If nil, the manager's default domain is used.
	TimeDomain TimeDomain
	// QuiescenceMonitored opts this queue into
	// SequenceManager.GetAndClearSystemIsQuiescentBit's accounting.
	QuiescenceMonitored bool
}

// TaskQueue is the logical queue applications post work to: two incoming
// buffers (immediate, cross-thread; delayed, main-thread-only) feeding two
// WorkQueues, plus fence management and observer hooks. See package doc
// for the thread-safety contract.
type TaskQueue struct {
	name     string
	manager  *SequenceManager
	priority Priority

	immediateIncomingMu sync.Mutex
	immediateIncoming   *chunkedIngress[*Task]

	delayedIncoming delayedIncomingQueue
	nextSeq         sequenceNum

	immediateWQ *WorkQueue
	delayedWQ   *WorkQueue

	currentFence *Fence
	delayedFence *delayedFenceSpec

	enabledRefCount int
	voterRefCount   int

	timeDomain       TimeDomain
	cachedWakeUp     DelayedWakeUp
	timeDomainHandle heapHandle

	// reportedWakeUp/hasReportedWakeUp is the last (wakeUp, hasWakeUp) pair
	// this queue told its TimeDomain about, tracked independently of the
	// heap-bookkeeping fields above so update_delayed_wake_up's "did this
	// change" check can't be skewed by how the heap happens to be shaped.
	reportedWakeUp    DelayedWakeUp
	hasReportedWakeUp bool

	taskObservers     []TaskObserver
	taskTimeObservers []TaskTimeObserver
	onNextWakeUpChanged func(DelayedWakeUp, bool)

	quiescenceMonitored bool

	shutDown   bool
	registered bool // present in the selector's WorkQueueSets

	// managerTerminated is set by SequenceManager.Terminate, distinct from
	// shutDown so PostTask can report the more specific ErrManagerTerminated
	// rather than ErrQueueShutDown when the whole manager, not just this
	// queue, is gone.
	managerTerminated bool

	// link is this queue's slot in the manager's cross-thread incoming-work
	// list (see SequenceManager.onQueueHasIncomingImmediateWork). Touched
	// only under manager.anyThreadMu.
	link incomingWorkLink
}

// incomingWorkLink is the per-queue "link cell" the teacher's design notes
// call for: giving every TaskQueue a dedicated slot lets the cross-thread
// incoming-work list track "does this queue already have a pending entry"
// without a map, and without repeatedly inserting the same queue across a
// burst of posts.
type incomingWorkLink struct {
	linked bool
	order  EnqueueOrder
	next   *TaskQueue
}

func newTaskQueue(manager *SequenceManager, spec TaskQueueSpec) *TaskQueue {
	tq := &TaskQueue{
		name:                spec.Name,
		manager:             manager,
		priority:            spec.Priority,
		immediateIncoming:   newChunkedIngress[*Task](),
		timeDomain:          spec.TimeDomain,
		quiescenceMonitored: spec.QuiescenceMonitored,
	}
	tq.immediateWQ = newWorkQueue(tq, KindImmediate, spec.Name+" immediate")
	tq.delayedWQ = newWorkQueue(tq, KindDelayed, spec.Name+" delayed")
	return tq
}

// Name returns the queue's diagnostic name.
func (tq *TaskQueue) Name() string { return tq.name }

func (tq *TaskQueue) isEnabled() bool { return tq.enabledRefCount == tq.voterRefCount }

// GetQueuePriority returns the queue's current priority.
func (tq *TaskQueue) GetQueuePriority() Priority { return tq.priority }

// SetQueuePriority moves the queue to newPriority. If the queue is
// currently enabled, the move is forwarded to the selector immediately;
// otherwise the WorkQueues' cached set indices are rewritten directly so
// the queue sorts into the right heap the next time it's enabled.
func (tq *TaskQueue) SetQueuePriority(newPriority Priority) {
	if tq.priority == newPriority {
		return
	}
	if tq.isEnabled() {
		tq.manager.selector.SetQueuePriority(tq, newPriority)
	} else {
		tq.immediateWQ.priority = newPriority
		tq.delayedWQ.priority = newPriority
	}
	tq.priority = newPriority
}

// CreateQueueEnabledVoter returns a voter that starts enabled; releasing it
// (Release) removes its vote from the queue's enable/disable refcount
// pair.
func (tq *TaskQueue) CreateQueueEnabledVoter() *QueueEnabledVoter {
	tq.voterRefCount++
	tq.enabledRefCount++
	return &QueueEnabledVoter{queue: tq, votedEnabled: true}
}

// QueueEnabledVoter is a veto-holding handle: a TaskQueue is enabled only
// while every outstanding voter votes to enable it. Releasing a voter
// (letting it go out of scope, or calling Release explicitly) removes its
// vote.
type QueueEnabledVoter struct {
	queue        *TaskQueue
	votedEnabled bool
	released     bool
}

// SetVoteToEnable changes this voter's vote, enabling or disabling the
// queue if its vote was the deciding one.
func (v *QueueEnabledVoter) SetVoteToEnable(enable bool) {
	if v.released || v.votedEnabled == enable {
		return
	}
	v.votedEnabled = enable
	wasEnabled := v.queue.isEnabled()
	if enable {
		v.queue.enabledRefCount++
	} else {
		v.queue.enabledRefCount--
	}
	v.queue.onEnabledChanged(wasEnabled)
}

// Release removes this voter's vote entirely, as if it had never been
// created. Safe to call more than once.
func (v *QueueEnabledVoter) Release() {
	if v.released {
		return
	}
	v.released = true
	v.queue.voterRefCount--
	wasEnabled := v.queue.isEnabled()
	if v.votedEnabled {
		v.queue.enabledRefCount--
	}
	v.queue.onEnabledChanged(wasEnabled)
}

// onEnabledChanged runs after a refcount mutation, reacting only to an
// actual disabled<->enabled transition.
func (tq *TaskQueue) onEnabledChanged(wasEnabled bool) {
	nowEnabled := tq.isEnabled()
	if wasEnabled == nowEnabled {
		return
	}
	if nowEnabled {
		tq.manager.selector.EnableQueue(tq)
		if tq.HasTaskToRunImmediately() && !tq.BlockedByFence() {
			tq.manager.scheduleWork()
		}
	} else {
		tq.manager.selector.DisableQueue(tq)
	}
	// A disabled queue holds no wake-up; re-enabling restores it.
	if tq.timeDomain != nil {
		tq.updateDelayedWakeUp(tq.timeDomain.CreateLazyNow())
	}
}

// PostTask accepts posted, routing it to the immediate or delayed path
// depending on its delay. Safe from any goroutine.
func (tq *TaskQueue) PostTask(posted PostedTask) error {
	if tq.managerTerminated {
		return &PostError{Task: posted, Err: ErrManagerTerminated}
	}
	if tq.shutDown {
		return &PostError{Task: posted, Err: ErrQueueShutDown}
	}
	if posted.Delay <= 0 {
		tq.postImmediate(posted)
		return nil
	}
	return tq.postDelayed(posted)
}

func (tq *TaskQueue) postImmediate(posted PostedTask) {
	order := tq.manager.order.Next()
	task := &Task{PostedTask: posted, order: order}

	tq.immediateIncomingMu.Lock()
	wasEmpty := tq.immediateIncoming.Len() == 0
	tq.immediateIncoming.Push(task)
	tq.immediateIncomingMu.Unlock()

	if wasEmpty {
		mainThreadCall := tq.manager.thread.OnBoundThread()
		queueIsBlocked := mainThreadCall && (!tq.isEnabled() || tq.currentFence != nil)
		tq.manager.onQueueHasIncomingImmediateWork(tq, order, queueIsBlocked)
		if tq.onNextWakeUpChanged != nil {
			tq.onNextWakeUpChanged(DelayedWakeUp{Time: time.Time{}}, true)
		}
	}
}

// postDelayed routes through a main-thread fast path (direct insert into
// the delayed-incoming buffer) when called from the bound goroutine, and a
// slow path (a surrogate immediate task that performs the insert once it
// runs on the bound goroutine) otherwise.
func (tq *TaskQueue) postDelayed(posted PostedTask) error {
	if tq.timeDomain == nil {
		return &PostError{Task: posted, Err: ErrNoTimeDomain}
	}
	if tq.manager.thread.OnBoundThread() {
		tq.insertDelayedTask(posted)
		return nil
	}
	tq.postImmediate(PostedTask{
		Callback:    func() { tq.insertDelayedTask(posted) },
		Location:    posted.Location,
		Nestability: NonNestable,
		TaskType:    posted.TaskType,
	})
	return nil
}

// insertDelayedTask must run on the bound goroutine: it assigns a
// sequence_num, computes delayed_run_time, and either pushes straight to
// the delayed WorkQueue (if already due) or the delayed-incoming buffer.
func (tq *TaskQueue) insertDelayedTask(posted PostedTask) {
	if tq.timeDomain == nil {
		return
	}
	seq := tq.nextSeq
	tq.nextSeq++
	now := tq.timeDomain.Now()
	task := &Task{
		PostedTask:     posted,
		delayedRunTime: now.Add(posted.Delay),
		seq:            seq,
	}
	if !task.delayedRunTime.After(now) {
		task.order = tq.manager.order.Next()
		tq.delayedWQ.Push(task)
		tq.manager.scheduleWork()
		return
	}
	tq.delayedIncoming.Push(task)
	lazyNow := tq.timeDomain.CreateLazyNow()
	tq.updateDelayedWakeUp(lazyNow)
}

// wakeUpForDelayedWork pops every leading delayed-incoming entry whose
// delayed_run_time has elapsed, assigning each a fresh EnqueueOrder and
// pushing it to the delayed WorkQueue (canceled entries are dropped
// silently); an armed delayed fence whose threshold is crossed activates.
// Called by onWakeUp, which baseTimeDomain.moveReady invokes.
func (tq *TaskQueue) wakeUpForDelayedWork(lazyNow *LazyNow, order *EnqueueOrderGenerator) {
	now := lazyNow.Now()
	var expired []*Task
	for {
		t, ok := tq.delayedIncoming.Peek()
		if !ok || t.delayedRunTime.After(now) {
			break
		}
		tq.delayedIncoming.Pop()
		if t.Canceled() {
			continue
		}
		t.order = order.Next()
		expired = append(expired, t)
	}
	if len(expired) > 0 {
		applyDelayedFenceActivation(tq, expired)
		for _, t := range expired {
			tq.delayedWQ.Push(t)
		}
	}
	tq.updateDelayedWakeUp(lazyNow)
}

// onWakeUp satisfies the callback baseTimeDomain.moveReady invokes on the
// queue whose cached wake-up is due.
func (tq *TaskQueue) onWakeUp(lazyNow *LazyNow, order *EnqueueOrderGenerator, self TimeDomain) {
	tq.wakeUpForDelayedWork(lazyNow, order)
}

// updateDelayedWakeUp recomputes the queue's next wake-up from the
// delayed-incoming buffer's min (None if empty or the queue is disabled)
// and, if it changed, informs the TimeDomain and fires the callback.
func (tq *TaskQueue) updateDelayedWakeUp(lazyNow *LazyNow) {
	if tq.timeDomain == nil {
		return
	}
	var wakeUp DelayedWakeUp
	hasWakeUp := false
	if tq.isEnabled() {
		if t, ok := tq.delayedIncoming.Peek(); ok {
			res := ResolutionLow
			if t.highRes {
				res = ResolutionHigh
			}
			wakeUp = DelayedWakeUp{Time: t.delayedRunTime, Resolution: res}
			hasWakeUp = true
		}
	}
	if hasWakeUp == tq.hasReportedWakeUp && wakeUp.Equal(tq.reportedWakeUp) {
		return
	}
	tq.reportedWakeUp, tq.hasReportedWakeUp = wakeUp, hasWakeUp
	tq.timeDomain.SetNextWakeUpForQueue(tq, wakeUp, hasWakeUp, lazyNow)
	if tq.onNextWakeUpChanged != nil {
		tq.onNextWakeUpChanged(wakeUp, hasWakeUp)
	}
}

// InsertFence installs a fence at the given position, overriding any
// existing fence.
func (tq *TaskQueue) InsertFence(pos FencePosition) {
	var order TaskOrder
	switch pos {
	case FenceAtBeginningOfTime:
		order = TaskOrder{EnqueueOrder: EnqueueOrderBlockingFence}
	default:
		order = TaskOrder{EnqueueOrder: tq.manager.order.Next()}
	}
	tq.setFence(NewFence(order))
}

// InsertFenceAt installs a fence that blocks tasks from the moment time t
// is reached. Until then it's "armed" but inert; it becomes an active
// fence the first time a task crossing the threshold is observed (see
// applyDelayedFenceActivation).
func (tq *TaskQueue) InsertFenceAt(t time.Time) {
	if tq.currentFence != nil {
		tq.currentFence = nil
		tq.immediateWQ.RemoveFence()
		tq.delayedWQ.RemoveFence()
	}
	tq.delayedFence = &delayedFenceSpec{threshold: t}
}

func (tq *TaskQueue) setFence(f Fence) {
	tq.delayedFence = nil
	tq.currentFence = &f
	tq.immediateWQ.InsertFence(f)
	tq.delayedWQ.InsertFence(f)
}

// RemoveFence clears any active or armed fence.
func (tq *TaskQueue) RemoveFence() {
	tq.delayedFence = nil
	if tq.currentFence == nil {
		return
	}
	tq.currentFence = nil
	tq.immediateWQ.RemoveFence()
	tq.delayedWQ.RemoveFence()
}

// HasActiveFence reports whether a fence (active or still armed) is set.
func (tq *TaskQueue) HasActiveFence() bool {
	return tq.currentFence != nil || tq.delayedFence != nil
}

// BlockedByFence reports whether a current fence exists, both WorkQueues
// are blocked by it, and the immediate incoming buffer's front (if any)
// would also be blocked.
func (tq *TaskQueue) BlockedByFence() bool {
	if tq.currentFence == nil {
		return false
	}
	if !tq.immediateWQ.isBlockedByFence() || !tq.delayedWQ.isBlockedByFence() {
		return false
	}
	tq.immediateIncomingMu.Lock()
	defer tq.immediateIncomingMu.Unlock()
	front, ok := tq.immediateIncoming.Front()
	if !ok {
		return true
	}
	return tq.currentFence.Blocks(front.taskOrder())
}

// HasTaskToRunImmediately reports whether either WorkQueue has a
// non-fenced task ready right now.
func (tq *TaskQueue) HasTaskToRunImmediately() bool {
	if _, ok := tq.immediateWQ.FrontTaskOrder(); ok {
		return true
	}
	_, ok := tq.delayedWQ.FrontTaskOrder()
	return ok
}

// GetNumberOfPendingTasks returns the total number of tasks queued across
// every buffer and WorkQueue.
func (tq *TaskQueue) GetNumberOfPendingTasks() int {
	tq.immediateIncomingMu.Lock()
	n := tq.immediateIncoming.Len()
	tq.immediateIncomingMu.Unlock()
	n += (len(tq.immediateWQ.tasks) - tq.immediateWQ.head)
	n += (len(tq.delayedWQ.tasks) - tq.delayedWQ.head)
	n += tq.delayedIncoming.Len()
	return n
}

// SweepCanceledDelayedTasks rebuilds the delayed-incoming buffer excluding
// canceled entries and recomputes the queue's wake-up.
func (tq *TaskQueue) SweepCanceledDelayedTasks() {
	tq.delayedIncoming.RemoveCanceled()
	tq.immediateWQ.RemoveAllCanceledTasksFromFront()
	tq.delayedWQ.RemoveAllCanceledTasksFromFront()
	if tq.timeDomain != nil {
		tq.updateDelayedWakeUp(tq.timeDomain.CreateLazyNow())
	}
}

// AddTaskObserver registers o to be notified around every task this queue
// runs.
func (tq *TaskQueue) AddTaskObserver(o TaskObserver) { tq.taskObservers = append(tq.taskObservers, o) }

// RemoveTaskObserver unregisters o.
func (tq *TaskQueue) RemoveTaskObserver(o TaskObserver) {
	for i, existing := range tq.taskObservers {
		if existing == o {
			tq.taskObservers = append(tq.taskObservers[:i], tq.taskObservers[i+1:]...)
			return
		}
	}
}

// AddTaskTimeObserver registers o to be notified with wall-clock task
// duration, for tasks run outside any nested loop.
func (tq *TaskQueue) AddTaskTimeObserver(o TaskTimeObserver) {
	tq.taskTimeObservers = append(tq.taskTimeObservers, o)
}

// RemoveTaskTimeObserver unregisters o.
func (tq *TaskQueue) RemoveTaskTimeObserver(o TaskTimeObserver) {
	for i, existing := range tq.taskTimeObservers {
		if existing == o {
			tq.taskTimeObservers = append(tq.taskTimeObservers[:i], tq.taskTimeObservers[i+1:]...)
			return
		}
	}
}

// SetOnNextWakeUpChangedCallback installs cb, called whenever this
// queue's own next-wake-up estimate changes (immediate posts report a
// zero time; delayed posts report the computed wake-up).
func (tq *TaskQueue) SetOnNextWakeUpChangedCallback(cb func(wakeUp DelayedWakeUp, hasWakeUp bool)) {
	tq.onNextWakeUpChanged = cb
}

// SetTimeDomain switches which TimeDomain this queue's delayed tasks are
// scheduled against, unregistering from the old one first.
func (tq *TaskQueue) SetTimeDomain(td TimeDomain) {
	if tq.timeDomain != nil {
		tq.timeDomain.UnregisterQueue(tq)
	}
	tq.timeDomain = td
	if td != nil {
		tq.updateDelayedWakeUp(td.CreateLazyNow())
	}
}

// GetTimeDomain returns the queue's current TimeDomain.
func (tq *TaskQueue) GetTimeDomain() TimeDomain { return tq.timeDomain }

// ShutdownTaskQueue marks the queue as no longer accepting new tasks. On
// the bound goroutine the queue is unregistered and dropped from the
// manager immediately. From any other goroutine it is handed to the
// GracefulQueueShutdownHelper, and the bound goroutine unregisters it in a
// later cleanUpQueues pass once it has no pending tasks. No to-delete list
// is kept after unregistration.
func (tq *TaskQueue) ShutdownTaskQueue() {
	if tq.shutDown {
		return
	}
	tq.shutDown = true
	if tq.manager.thread.OnBoundThread() {
		tq.manager.shutdownTaskQueue(tq)
	} else {
		tq.manager.shutdownHelper.GracefullyShutdownTaskQueue(tq)
	}
}

// unregisterTaskQueue removes the WorkQueues from the selector and clears
// observer handles. Must run on the bound goroutine.
func (tq *TaskQueue) unregisterTaskQueue() {
	if tq.registered {
		tq.manager.selector.DisableQueue(tq)
		tq.registered = false
	}
	if tq.timeDomain != nil {
		tq.timeDomain.UnregisterQueue(tq)
	}
	tq.onNextWakeUpChanged = nil
	tq.taskObservers = nil
	tq.taskTimeObservers = nil
}

// swapImmediateIncoming atomically empties the cross-thread immediate
// incoming buffer, returning its contents in FIFO order. Called by
// WorkQueue.TakeImmediateIncomingTasks, which holds no other lock at the
// time — producers may append concurrently up until the swap, never
// during or after.
func (tq *TaskQueue) swapImmediateIncoming() []*Task {
	tq.immediateIncomingMu.Lock()
	defer tq.immediateIncomingMu.Unlock()
	if tq.immediateIncoming.Len() == 0 {
		return nil
	}
	out := make([]*Task, 0, tq.immediateIncoming.Len())
	return tq.immediateIncoming.DrainInto(out)
}

// reloadImmediateWorkQueueIfEmpty is the SequenceManager's hook for
// draining a queue named in the cross-thread incoming-work list: a no-op
// unless the immediate WorkQueue is currently empty, in which case it
// behaves exactly like the inline reload TakeTaskFromWorkQueue performs.
func (tq *TaskQueue) reloadImmediateWorkQueueIfEmpty() {
	if tq.immediateWQ.isEmpty() {
		tq.immediateWQ.TakeImmediateIncomingTasks()
	}
}
