// Package seqmgr implements a single-threaded, priority-driven task
// scheduler modeled on a browser's process-wide event loop core: multiple
// task queues partitioned by priority, fences that gate execution windows,
// cross-thread posting into main-thread-only data structures, a virtual or
// real-time clock abstraction that aggregates per-queue wake-ups into one
// scheduled timer, and graceful cross-thread teardown of queues while tasks
// are still in flight.
//
// A SequenceManager owns a set of TaskQueue instances and implements the
// host's "sequenced task source" protocol: TakeTask / DidRunTask /
// DelayTillNextTask. The host (an event loop, message pump, or test
// harness) drives the manager by repeatedly calling TakeTask until it
// returns nothing, running the returned task, then calling DidRunTask.
//
// Everything outside the scheduling core — the host message pump itself,
// certificate/keychain handling, tracing and crash-key infrastructure, and
// a user-facing PostTask convenience API — is treated as an external
// collaborator; only the narrow contract this package needs from such a
// collaborator is modeled, via the HostController interface.
//
// Thread safety. Exactly one goroutine — the "bound" thread, see
// AssociatedThreadId — may call TakeTask, DidRunTask, or any TaskQueue
// method that is not explicitly documented as safe from any goroutine.
// PostTask and the handful of methods building on it are safe to call
// from any goroutine at any time.
package seqmgr
