package seqmgr

import "time"

// sequenceManagerOptions holds configuration resolved at SequenceManager
// construction time.
type sequenceManagerOptions struct {
	workBatchSize     int
	logger            *Logger
	longTaskThreshold time.Duration
}

// SequenceManagerOption configures a SequenceManager at construction time.
type SequenceManagerOption interface {
	applySequenceManager(*sequenceManagerOptions) error
}

// sequenceManagerOptionImpl implements SequenceManagerOption.
type sequenceManagerOptionImpl struct {
	applyFunc func(*sequenceManagerOptions) error
}

func (o *sequenceManagerOptionImpl) applySequenceManager(opts *sequenceManagerOptions) error {
	return o.applyFunc(opts)
}

// WithWorkBatchSize sets how many tasks a host is expected to pull via
// TakeTask/DidRunTask before yielding back to its own event loop.
func WithWorkBatchSize(n int) SequenceManagerOption {
	return &sequenceManagerOptionImpl{func(opts *sequenceManagerOptions) error {
		if n < 1 {
			n = 1
		}
		opts.workBatchSize = n
		return nil
	}}
}

// WithLogger overrides the default stderr logger.
func WithLogger(l *Logger) SequenceManagerOption {
	return &sequenceManagerOptionImpl{func(opts *sequenceManagerOptions) error {
		opts.logger = l
		return nil
	}}
}

// WithLongTaskThreshold enables rate-limited long-task tracing: any task
// whose wall-clock duration meets or exceeds d is logged, throttled per
// TaskQueue name. The default is 50ms; zero disables the trace entirely.
func WithLongTaskThreshold(d time.Duration) SequenceManagerOption {
	return &sequenceManagerOptionImpl{func(opts *sequenceManagerOptions) error {
		opts.longTaskThreshold = d
		return nil
	}}
}

// resolveSequenceManagerOptions applies opts in order over a set of
// defaults, skipping nils.
func resolveSequenceManagerOptions(opts []SequenceManagerOption) (*sequenceManagerOptions, error) {
	cfg := &sequenceManagerOptions{
		workBatchSize:     4,
		logger:            defaultLogger(),
		longTaskThreshold: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applySequenceManager(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// TaskQueueOption configures a TaskQueueSpec via NewTaskQueueSpec.
type TaskQueueOption interface {
	applyTaskQueue(*TaskQueueSpec)
}

type taskQueueOptionFunc func(*TaskQueueSpec)

func (f taskQueueOptionFunc) applyTaskQueue(s *TaskQueueSpec) { f(s) }

// WithQueuePriority sets the queue's initial priority (PriorityNormal if
// never set).
func WithQueuePriority(p Priority) TaskQueueOption {
	return taskQueueOptionFunc(func(s *TaskQueueSpec) { s.Priority = p })
}

// WithQueueTimeDomain sets the TimeDomain the queue's delayed tasks run
// against. If never set, CreateTaskQueue falls back to the manager's
// default domain.
func WithQueueTimeDomain(td TimeDomain) TaskQueueOption {
	return taskQueueOptionFunc(func(s *TaskQueueSpec) { s.TimeDomain = td })
}

// WithQueueQuiescenceMonitored opts the queue into
// SequenceManager.GetAndClearSystemIsQuiescentBit's accounting.
func WithQueueQuiescenceMonitored(monitored bool) TaskQueueOption {
	return taskQueueOptionFunc(func(s *TaskQueueSpec) { s.QuiescenceMonitored = monitored })
}

// NewTaskQueueSpec builds a TaskQueueSpec named name, defaulting to
// PriorityNormal and no TimeDomain (resolved against the manager's
// default at CreateTaskQueue time).
func NewTaskQueueSpec(name string, opts ...TaskQueueOption) TaskQueueSpec {
	spec := TaskQueueSpec{Name: name, Priority: PriorityNormal}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyTaskQueue(&spec)
	}
	return spec
}
