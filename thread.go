package seqmgr

import (
	"runtime"
	"strconv"
	"sync/atomic"
)

// currentGoroutineID parses the calling goroutine's id out of a runtime
// stack trace header ("goroutine 123 [running]:"). Go deliberately exposes
// no stable goroutine-id API; this is the same approach taken by the small
// handful of third-party goroutine-id packages, trimmed to the one line
// this package actually needs. Goroutine ids are never 0, which is what
// lets AssociatedThreadId use 0 as its "unbound" sentinel.
func currentGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[len("goroutine "):n]
	i := 0
	for i < len(b) && b[i] != ' ' {
		i++
	}
	id, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		invariantViolation("could not parse goroutine id: " + err.Error())
	}
	return id
}

// AssociatedThreadId models deferred binding of ownership to a goroutine.
// It starts unbound so a SequenceManager can be constructed on one
// goroutine and run on another; binding happens once, when the owning
// goroutine calls BindToCurrentThread, and can never be rebound.
type AssociatedThreadId struct {
	goroutineID atomic.Int64
}

// NewUnboundAssociatedThreadId returns an id that has not yet been bound.
func NewUnboundAssociatedThreadId() *AssociatedThreadId {
	return &AssociatedThreadId{}
}

// NewBoundAssociatedThreadId returns an id bound immediately to the
// caller.
func NewBoundAssociatedThreadId() *AssociatedThreadId {
	id := &AssociatedThreadId{}
	id.goroutineID.Store(currentGoroutineID())
	return id
}

// BindToCurrentThread binds the id to the calling goroutine, asserting it
// has never been bound.
func (a *AssociatedThreadId) BindToCurrentThread() error {
	if !a.goroutineID.CompareAndSwap(0, currentGoroutineID()) {
		return ErrAlreadyBound
	}
	return nil
}

// IsBound reports whether the id has been bound.
func (a *AssociatedThreadId) IsBound() bool { return a.goroutineID.Load() != 0 }

// OnBoundThread reports whether the calling goroutine is the bound one. A
// still-unbound id is never "on" any thread.
func (a *AssociatedThreadId) OnBoundThread() bool {
	id := a.goroutineID.Load()
	return id != 0 && id == currentGoroutineID()
}

// CheckOnValidThread asserts the id is bound and that the caller is the
// bound goroutine.
func (a *AssociatedThreadId) CheckOnValidThread() error {
	if !a.IsBound() {
		return ErrWrongThread
	}
	if !a.OnBoundThread() {
		return ErrWrongThread
	}
	return nil
}
