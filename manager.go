package seqmgr

import (
	"math/rand"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
)

// sentinelValue guards against a corrupted SequenceManager: checkSentinel
// panics if it ever reads back anything else. The check exists purely to
// fail fast and loud rather than run further on scrambled scheduler state.
const sentinelValue uint32 = 0xdeadbeef

//go:noinline
func checkSentinel(v uint32) {
	if v != sentinelValue {
		invariantViolation("sentinel mismatch, scheduler state is corrupt")
	}
}

const (
	// threadSamplingRate is the probability a SequenceManager force-enables
	// CPU time sampling for the remainder of its life, independent of any
	// individual task's own sampling roll.
	threadSamplingRate = 1e-4
	// taskSamplingRate is the probability any one task is sampled, absent a
	// thread-wide force.
	taskSamplingRate = 1e-2
)

// HostController is the embedder's side of the TakeTask/DidRunTask
// protocol: the thing that actually owns an OS-level run loop (a select
// over channels, an editor's native event loop, a test harness) and that
// SequenceManager asks to wake up.
type HostController interface {
	// ScheduleWork requests a prompt call back into TakeTask; it may be
	// called from any goroutine and must not block.
	ScheduleWork()
	// ScheduleDelayedWork requests a callback no earlier than when. A
	// later call supersedes an earlier one.
	ScheduleDelayedWork(when time.Time)
	// CancelDelayedWork cancels the most recent ScheduleDelayedWork
	// request, if any is still pending.
	CancelDelayedWork()
}

// deferredTask is a non-nestable task that TakeTask skipped over because
// it was encountered while nestingDepth > 0. It is restored to the front
// of its originating WorkQueue once nesting unwinds to zero.
type deferredTask struct {
	wq   *WorkQueue
	task *Task
}

// executionFrame is one entry in the currently-running-task stack,
// pushed by TakeTask and popped by DidRunTask.
type executionFrame struct {
	task  *Task
	queue *TaskQueue
	start time.Time
}

// SequenceManager is the single-threaded orchestrator binding a set of
// TaskQueues, a TaskQueueSelector, and one or more TimeDomains into the
// take-a-task/run-it/report-back protocol a HostController drives.
//
// Construction is two-phase, mirroring the teacher's constructor-then-
// bind pattern for goroutine-owned resources: NewSequenceManager builds
// an unbound manager safely from any goroutine, BindToCurrentThread
// claims a specific goroutine as the only one allowed to drive it from
// then on, and CompleteInitializationOnBoundThread finishes the state
// that must be set up on that goroutine (the default TimeDomain).
type SequenceManager struct {
	thread         *AssociatedThreadId
	order          *EnqueueOrderGenerator
	selector       *TaskQueueSelector
	shutdownHelper *GracefulQueueShutdownHelper
	host           HostController
	logger         *Logger

	workBatchSize     int
	longTaskThreshold time.Duration
	rateLimiter       *catrate.Limiter

	sentinel uint32

	initialized bool

	// anyThreadMu guards the cross-thread incoming-work list. Lock order:
	// a TaskQueue's own immediateIncomingMu, if held, is always acquired
	// before this one; nothing below this one is ever held while it is.
	anyThreadMu      sync.Mutex
	incomingWorkHead *TaskQueue

	queues                     []*TaskQueue
	defaultTimeDomain          TimeDomain
	timeDomains                []TimeDomain
	queuesToGracefullyShutdown []*TaskQueue

	executionStack      []executionFrame
	nestingDepth        int
	deferredNonNestable []deferredTask

	taskObservers     []TaskObserver
	taskTimeObservers []TaskTimeObserver

	quiescent            bool
	forceCPUTimeSampling bool
}

// NewSequenceManager constructs an unbound SequenceManager. Safe to call
// from any goroutine; the result must be bound (BindToCurrentThread) and
// completed (CompleteInitializationOnBoundThread) before use.
func NewSequenceManager(host HostController, opts ...SequenceManagerOption) *SequenceManager {
	cfg, err := resolveSequenceManagerOptions(opts)
	if err != nil {
		invariantViolation("resolving sequence manager options: " + err.Error())
	}
	m := &SequenceManager{
		thread:            NewUnboundAssociatedThreadId(),
		order:             NewEnqueueOrderGenerator(),
		shutdownHelper:    NewGracefulQueueShutdownHelper(),
		host:              host,
		logger:            cfg.logger,
		workBatchSize:     cfg.workBatchSize,
		longTaskThreshold: cfg.longTaskThreshold,
		sentinel:          sentinelValue,
		quiescent:         true,
	}
	m.selector = newTaskQueueSelector(m)
	if cfg.longTaskThreshold > 0 {
		m.rateLimiter = catrate.NewLimiter(map[time.Duration]int{time.Minute: 1})
	}
	if rand.Float64() < threadSamplingRate {
		m.forceCPUTimeSampling = true
	}
	return m
}

// NewBoundSequenceManager constructs a SequenceManager and immediately
// binds and completes its initialization on the calling goroutine, for
// the common case where the manager is created on the same goroutine
// that will drive it.
func NewBoundSequenceManager(host HostController, opts ...SequenceManagerOption) (*SequenceManager, error) {
	m := NewSequenceManager(host, opts...)
	if err := m.BindToCurrentThread(); err != nil {
		return nil, err
	}
	if err := m.CompleteInitializationOnBoundThread(); err != nil {
		return nil, err
	}
	return m, nil
}

// BindToCurrentThread claims the calling goroutine as the manager's
// bound thread. May only be called once.
func (m *SequenceManager) BindToCurrentThread() error {
	return m.thread.BindToCurrentThread()
}

// CompleteInitializationOnBoundThread finishes setup that must run on
// the bound goroutine: installing the default RealTimeDomain. Idempotent.
func (m *SequenceManager) CompleteInitializationOnBoundThread() error {
	if err := m.thread.CheckOnValidThread(); err != nil {
		return err
	}
	if m.initialized {
		return nil
	}
	m.defaultTimeDomain = NewRealTimeDomain(m)
	m.timeDomains = append(m.timeDomains, m.defaultTimeDomain)
	m.initialized = true
	return nil
}

// CreateTaskQueue constructs, registers, and enables a new TaskQueue.
// Must run on the bound goroutine.
func (m *SequenceManager) CreateTaskQueue(spec TaskQueueSpec) *TaskQueue {
	if err := m.thread.CheckOnValidThread(); err != nil {
		invariantViolation("CreateTaskQueue: " + err.Error())
	}
	if spec.TimeDomain == nil {
		spec.TimeDomain = m.defaultTimeDomain
	}
	tq := newTaskQueue(m, spec)
	m.queues = append(m.queues, tq)
	m.selector.EnableQueue(tq)
	tq.registered = true
	if spec.TimeDomain != nil {
		tq.updateDelayedWakeUp(spec.TimeDomain.CreateLazyNow())
	}
	return tq
}

// RegisterTimeDomain adds td to the set this manager consults for
// wake-up aggregation and DelayTillNextTask.
func (m *SequenceManager) RegisterTimeDomain(td TimeDomain) {
	m.timeDomains = append(m.timeDomains, td)
}

// UnregisterTimeDomain removes td.
func (m *SequenceManager) UnregisterTimeDomain(td TimeDomain) {
	for i, d := range m.timeDomains {
		if d == td {
			m.timeDomains = append(m.timeDomains[:i], m.timeDomains[i+1:]...)
			return
		}
	}
}

// SetWorkBatchSize changes how many tasks a host is expected to pull per
// DoWork tick before yielding; values below 1 are clamped to 1.
func (m *SequenceManager) SetWorkBatchSize(n int) {
	if n < 1 {
		n = 1
	}
	m.workBatchSize = n
}

// WorkBatchSize returns the current work batch size.
func (m *SequenceManager) WorkBatchSize() int { return m.workBatchSize }

// AddTaskObserver registers o against every TaskQueue this manager owns,
// present and future.
func (m *SequenceManager) AddTaskObserver(o TaskObserver) {
	m.taskObservers = append(m.taskObservers, o)
}

// RemoveTaskObserver unregisters o.
func (m *SequenceManager) RemoveTaskObserver(o TaskObserver) {
	for i, existing := range m.taskObservers {
		if existing == o {
			m.taskObservers = append(m.taskObservers[:i], m.taskObservers[i+1:]...)
			return
		}
	}
}

// AddTaskTimeObserver registers o, notified with wall-clock task duration
// for every task run outside a nested loop, across every queue.
func (m *SequenceManager) AddTaskTimeObserver(o TaskTimeObserver) {
	m.taskTimeObservers = append(m.taskTimeObservers, o)
}

// RemoveTaskTimeObserver unregisters o.
func (m *SequenceManager) RemoveTaskTimeObserver(o TaskTimeObserver) {
	for i, existing := range m.taskTimeObservers {
		if existing == o {
			m.taskTimeObservers = append(m.taskTimeObservers[:i], m.taskTimeObservers[i+1:]...)
			return
		}
	}
}

// TakeTask selects and returns the next task the host should run,
// advancing internal bookkeeping (execution stack, observer
// notification) as if the host is about to invoke its callback. The
// caller owns running task.Callback(); DidRunTask must be called exactly
// once afterward, even if the callback panics.
func (m *SequenceManager) TakeTask() (task *Task, queue *TaskQueue, ok bool) {
	checkSentinel(m.sentinel)
	if err := m.thread.CheckOnValidThread(); err != nil {
		invariantViolation("TakeTask: " + err.Error())
	}
	m.reloadEmptyWorkQueues()
	m.wakeUpReadyDelayedQueues()

	for {
		wq, found := m.selector.SelectWorkQueueToService()
		if !found {
			return nil, nil, false
		}
		if wq.front().Canceled() {
			wq.RemoveAllCanceledTasksFromFront()
			continue
		}
		if wq.front().Nestability == NonNestable && m.nestingDepth > 0 {
			if t, popped := wq.TakeTaskFromWorkQueue(); popped {
				m.deferredNonNestable = append(m.deferredNonNestable, deferredTask{wq: wq, task: t})
			}
			continue
		}
		t, popped := wq.TakeTaskFromWorkQueue()
		if !popped {
			continue
		}
		owner := wq.owner
		m.executionStack = append(m.executionStack, executionFrame{task: t, queue: owner, start: time.Now()})
		m.notifyWillProcessTask(t, owner)
		return t, owner, true
	}
}

// DidRunTask reports that the task most recently returned by TakeTask has
// finished running (however it finished). When this drops the execution
// stack back to empty at nesting depth zero, queues pending graceful
// shutdown are swept.
func (m *SequenceManager) DidRunTask() {
	if len(m.executionStack) == 0 {
		invariantViolation("DidRunTask: no task in flight")
	}
	frame := m.executionStack[len(m.executionStack)-1]
	m.executionStack = m.executionStack[:len(m.executionStack)-1]
	m.notifyDidProcessTask(frame.task, frame.queue, frame.start, time.Now())
	if m.nestingDepth == 0 {
		m.cleanUpQueues()
	}
}

// NestingObserver is an optional HostController capability, notified
// whenever a nested run loop begins. A HostController that doesn't
// implement it is simply never told.
type NestingObserver interface {
	OnBeginNestedRunLoop()
}

// OnBeginNestedRunLoop marks the host as entering a run loop nested
// inside the currently-running task's callback (e.g. a modal dialog's
// own event pump). Non-nestable tasks encountered by TakeTask while
// nested are deferred rather than run.
func (m *SequenceManager) OnBeginNestedRunLoop() {
	m.nestingDepth++
	if o, ok := m.host.(NestingObserver); ok {
		o.OnBeginNestedRunLoop()
	}
}

// OnExitNestedRunLoop reports the nested run loop begun by the matching
// OnBeginNestedRunLoop has ended. Once nesting depth returns to zero,
// any non-nestable tasks deferred during the nested loop are restored to
// the front of their originating queues, in their original order, and
// graceful shutdown bookkeeping is swept.
func (m *SequenceManager) OnExitNestedRunLoop() {
	if m.nestingDepth == 0 {
		invariantViolation("OnExitNestedRunLoop: not nested")
	}
	m.nestingDepth--
	if m.nestingDepth > 0 {
		return
	}
	for i := len(m.deferredNonNestable) - 1; i >= 0; i-- {
		d := m.deferredNonNestable[i]
		d.wq.PushNonNestableToFront(d.task)
	}
	m.deferredNonNestable = nil
	m.cleanUpQueues()
}

// DelayTillNextTask reports how long the host can sleep before it must
// call TakeTask again: zero if work is runnable right now (including
// work still sitting in a cross-thread incoming buffer), otherwise the
// earliest registered TimeDomain's next wake-up. False means no queue has
// any pending or future work at all.
func (m *SequenceManager) DelayTillNextTask() (time.Duration, bool) {
	for p := Priority(0); p < priorityCount; p++ {
		if m.selector.hasWork(p) {
			return 0, true
		}
	}
	if m.hasIncomingImmediateWork() {
		return 0, true
	}
	var min time.Duration
	found := false
	for _, td := range m.timeDomains {
		d, ok := td.DelayTillNextTask(td.CreateLazyNow())
		if !ok {
			continue
		}
		if !found || d < min {
			min, found = d, true
		}
	}
	return min, found
}

// SweepCanceledDelayedTasks prunes canceled entries from every queue's
// delayed buffers. Not required for correctness (a canceled task is
// already skipped when it would otherwise run) but bounds memory held by
// tasks that were canceled long before their delay would have expired.
func (m *SequenceManager) SweepCanceledDelayedTasks() {
	for _, tq := range m.queues {
		tq.SweepCanceledDelayedTasks()
	}
}

// GetAndClearSystemIsQuiescentBit reports whether every quiescence-
// monitored queue has gone without running a task since the last call,
// then resets the bit.
func (m *SequenceManager) GetAndClearSystemIsQuiescentBit() bool {
	v := m.quiescent
	m.quiescent = true
	return v
}

// shouldSampleCPUTime reports whether the caller should attach CPU-time
// accounting to the task about to run. Actual thread CPU time capture is
// platform-specific and out of scope here; this models only the sampling
// decision so a host-side profiler hook has something to consult.
func (m *SequenceManager) shouldSampleCPUTime() bool {
	return m.forceCPUTimeSampling || rand.Float64() < taskSamplingRate
}

// OnTaskQueueEnabled implements SelectorObserver: a queue transitioning
// to enabled may have already-ready work, which the selector alone can't
// see (it only just started tracking the queue).
func (m *SequenceManager) OnTaskQueueEnabled(tq *TaskQueue) {
	if tq.HasTaskToRunImmediately() && !tq.BlockedByFence() {
		m.scheduleWork()
	}
}

// onQueueHasIncomingImmediateWork records that tq has a fresh immediate
// task waiting in its cross-thread buffer, requesting a wake-up unless
// the queue is currently blocked (disabled or fenced) or already had an
// entry pending. Safe from any goroutine.
func (m *SequenceManager) onQueueHasIncomingImmediateWork(tq *TaskQueue, order EnqueueOrder, queueIsBlocked bool) {
	m.anyThreadMu.Lock()
	fresh := !tq.link.linked
	if fresh {
		tq.link.linked = true
		tq.link.order = order
		tq.link.next = m.incomingWorkHead
		m.incomingWorkHead = tq
	}
	m.anyThreadMu.Unlock()
	if fresh && !queueIsBlocked {
		m.scheduleWork()
	}
}

// hasIncomingImmediateWork reports whether any queue is currently linked
// into the cross-thread incoming-work list, i.e. has a post that hasn't
// yet been reloaded into a WorkQueue.
func (m *SequenceManager) hasIncomingImmediateWork() bool {
	m.anyThreadMu.Lock()
	defer m.anyThreadMu.Unlock()
	return m.incomingWorkHead != nil
}

// reloadEmptyWorkQueues swaps out the cross-thread incoming-work list and
// reloads each named queue's immediate WorkQueue if it's still empty.
func (m *SequenceManager) reloadEmptyWorkQueues() {
	m.anyThreadMu.Lock()
	head := m.incomingWorkHead
	m.incomingWorkHead = nil
	m.anyThreadMu.Unlock()

	for tq := head; tq != nil; {
		next := tq.link.next
		tq.link.linked = false
		tq.link.next = nil
		tq.reloadImmediateWorkQueueIfEmpty()
		tq = next
	}
}

// wakeUpReadyDelayedQueues asks every registered TimeDomain to move its
// now-due delayed tasks into their owning queues' WorkQueues.
func (m *SequenceManager) wakeUpReadyDelayedQueues() {
	for _, td := range m.timeDomains {
		td.MoveReadyDelayedTasksToWorkQueues(td.CreateLazyNow(), m.order)
	}
}

// setNextDelayedDoWork is the callback every TimeDomain this manager owns
// reports wake-up changes through (see RealTimeDomain/VirtualTimeDomain).
func (m *SequenceManager) setNextDelayedDoWork(lazyNow *LazyNow, wakeUp DelayedWakeUp, hasWakeUp bool) {
	if m.host == nil {
		return
	}
	if hasWakeUp {
		m.host.ScheduleDelayedWork(wakeUp.Time)
	} else {
		m.host.CancelDelayedWork()
	}
}

// scheduleWork asks the host for a prompt TakeTask callback.
func (m *SequenceManager) scheduleWork() {
	if m.host != nil {
		m.host.ScheduleWork()
	}
}

// shutdownTaskQueue unregisters tq immediately: disables it in the
// selector, detaches its TimeDomain, and drops the manager's own
// reference. Must run on the bound goroutine.
func (m *SequenceManager) shutdownTaskQueue(tq *TaskQueue) {
	tq.unregisterTaskQueue()
	for i, q := range m.queues {
		if q == tq {
			m.queues = append(m.queues[:i], m.queues[i+1:]...)
			break
		}
	}
}

// cleanUpQueues drains the graceful-shutdown handoff: every queue handed
// off by GracefulQueueShutdownHelper since the last pass is checked for
// an empty backlog and unregistered if so, otherwise retried on the next
// pass. A queue keeps running its pending tasks normally the whole time;
// it is simply no longer reachable for new posts.
func (m *SequenceManager) cleanUpQueues() {
	m.queuesToGracefullyShutdown = append(m.queuesToGracefullyShutdown, m.shutdownHelper.TakeQueues()...)
	if len(m.queuesToGracefullyShutdown) == 0 {
		return
	}
	remaining := m.queuesToGracefullyShutdown[:0]
	for _, tq := range m.queuesToGracefullyShutdown {
		if tq.GetNumberOfPendingTasks() == 0 {
			m.shutdownTaskQueue(tq)
		} else {
			remaining = append(remaining, tq)
		}
	}
	m.queuesToGracefullyShutdown = remaining
}

// Terminate tears the manager down: every queue still registered is
// unregistered, and the shutdown helper is told the manager is gone so
// any future off-thread ShutdownTaskQueue call drops its queue instead
// of handing it to a manager that will never drain it.
func (m *SequenceManager) Terminate() {
	for _, tq := range m.queues {
		tq.unregisterTaskQueue()
		tq.managerTerminated = true
	}
	m.queues = nil
	m.queuesToGracefullyShutdown = nil
	m.shutdownHelper.OnSequenceManagerDeleted()
}

func (m *SequenceManager) notifyWillProcessTask(t *Task, tq *TaskQueue) {
	for _, o := range m.taskObservers {
		o.WillProcessTask(t, tq)
	}
	for _, o := range tq.taskObservers {
		o.WillProcessTask(t, tq)
	}
}

func (m *SequenceManager) notifyDidProcessTask(t *Task, tq *TaskQueue, start, end time.Time) {
	for _, o := range m.taskObservers {
		o.DidProcessTask(t, tq)
	}
	for _, o := range tq.taskObservers {
		o.DidProcessTask(t, tq)
	}
	if m.nestingDepth == 0 {
		for _, o := range m.taskTimeObservers {
			o.OnTaskTime(tq, start, end)
		}
		for _, o := range tq.taskTimeObservers {
			o.OnTaskTime(tq, start, end)
		}
	}
	if tq.quiescenceMonitored {
		m.quiescent = false
	}
	if dur := end.Sub(start); m.longTaskThreshold > 0 && dur >= m.longTaskThreshold {
		m.logLongTask(tq, dur)
	}
}

// logLongTask emits a rate-limited trace for a task whose duration met
// or exceeded longTaskThreshold, throttled per TaskQueue name so a queue
// stuck running slow tasks back-to-back can't flood the log.
func (m *SequenceManager) logLongTask(tq *TaskQueue, dur time.Duration) {
	if m.rateLimiter == nil || m.logger == nil {
		return
	}
	if _, ok := m.rateLimiter.Allow(tq.name); !ok {
		return
	}
	m.logger.Warning().Str(`queue`, tq.name).Dur(`duration`, dur).Log(`long task`)
}
