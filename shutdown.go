package seqmgr

import "sync"

// GracefulQueueShutdownHelper is a cross-thread holding pen for
// TaskQueues whose unique owning handle was dropped on a goroutine other
// than the SequenceManager's bound one. It keeps the queue alive until
// the main thread next runs cleanUpQueues; if the SequenceManager is
// already gone when the off-thread drop happens, it discards the queue
// immediately instead. All methods are safe to call from any goroutine.
type GracefulQueueShutdownHelper struct {
	mu             sync.Mutex
	queues         []*TaskQueue
	managerDeleted bool
}

// NewGracefulQueueShutdownHelper returns an empty helper.
func NewGracefulQueueShutdownHelper() *GracefulQueueShutdownHelper {
	return &GracefulQueueShutdownHelper{}
}

// GracefullyShutdownTaskQueue hands q to the helper. If the owning
// SequenceManager has already been deleted, q is dropped immediately.
func (h *GracefulQueueShutdownHelper) GracefullyShutdownTaskQueue(q *TaskQueue) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.managerDeleted {
		return
	}
	h.queues = append(h.queues, q)
}

// OnSequenceManagerDeleted marks the helper as orphaned: every held queue
// is dropped, and every future hand-off is discarded immediately. Its
// destructor (this method) must never touch SequenceManager state.
func (h *GracefulQueueShutdownHelper) OnSequenceManagerDeleted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.managerDeleted = true
	h.queues = nil
}

// TakeQueues atomically swaps out and returns every currently-held queue.
func (h *GracefulQueueShutdownHelper) TakeQueues() []*TaskQueue {
	h.mu.Lock()
	defer h.mu.Unlock()
	queues := h.queues
	h.queues = nil
	return queues
}
