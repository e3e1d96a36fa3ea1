// Package sync provides the locking primitives that serialize mutators of
// the frame allocator and of page table hierarchies.
package sync

import "sync/atomic"

const (
	// attemptsBeforeYielding is the number of failed acquisition attempts
	// after which Acquire invokes yieldFn (if set).
	attemptsBeforeYielding = 256
)

var (
	// yieldFn is invoked by Acquire while spinning. It is nil until a
	// scheduler installs one; tests use runtime.Gosched.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempts := 0; !atomic.CompareAndSwapUint32(&l.state, 0, 1); attempts++ {
		if attempts >= attemptsBeforeYielding && yieldFn != nil {
			yieldFn()
			attempts = 0
			continue
		}
		archPause()
	}
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// archPause hints the processor that the caller is executing a spin-wait loop.
func archPause()
