package seqmgr

import "sync"

// TaskQueueHandle is a thread-safe handle onto a TaskQueue that degrades
// gracefully once the queue is gone: PostTask through a handle whose
// queue has shut down returns ErrQueueShutDown instead of panicking or
// racing the queue's own teardown. Safe for concurrent use, including
// concurrent calls to Reset from a different goroutine than the one
// posting tasks.
type TaskQueueHandle struct {
	mu    sync.RWMutex
	queue *TaskQueue
}

// NewTaskQueueHandle wraps tq. A nil tq produces a handle that always
// reports ErrQueueShutDown.
func NewTaskQueueHandle(tq *TaskQueue) *TaskQueueHandle {
	return &TaskQueueHandle{queue: tq}
}

// PostTask forwards to the wrapped queue's PostTask, or rejects with
// ErrQueueShutDown if the handle has been reset or was never bound.
func (h *TaskQueueHandle) PostTask(posted PostedTask) error {
	h.mu.RLock()
	tq := h.queue
	h.mu.RUnlock()
	if tq == nil {
		return &PostError{Task: posted, Err: ErrQueueShutDown}
	}
	return tq.PostTask(posted)
}

// Queue returns the wrapped TaskQueue, or nil if the handle has been
// reset.
func (h *TaskQueueHandle) Queue() *TaskQueue {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.queue
}

// Reset detaches the handle from its queue without shutting the queue
// down itself; subsequent PostTask calls through this handle report
// ErrQueueShutDown. Call ShutdownAndReset instead if the queue itself
// should also stop accepting work from every other handle.
func (h *TaskQueueHandle) Reset() {
	h.mu.Lock()
	h.queue = nil
	h.mu.Unlock()
}

// ShutdownAndReset calls ShutdownTaskQueue on the wrapped queue (safe
// from any goroutine) and then detaches the handle, matching the
// original's "dropping the last handle shuts the queue down" behavior
// for the common case where a handle is the queue's sole owner.
func (h *TaskQueueHandle) ShutdownAndReset() {
	h.mu.Lock()
	tq := h.queue
	h.queue = nil
	h.mu.Unlock()
	if tq != nil {
		tq.ShutdownTaskQueue()
	}
}
