// Package sync provides the locking primitives used by the memory subsystem.
package sync

import "sync/atomic"

// attemptsBeforeYield is how many failed acquisitions Acquire makes between
// calls to yieldFn.
const attemptsBeforeYield = 64

// yieldFn lets the lock holder run while Acquire spins. It is nil in the
// kernel, which has a single CPU and no scheduler; hosted callers and tests
// install runtime.Gosched.
var yieldFn func()

// Spinlock is a busy-waiting lock. It is not reentrant: acquiring it twice
// from the same task never returns.
type Spinlock struct {
	held atomic.Bool
}

// Acquire spins until the lock is free and takes it.
func (l *Spinlock) Acquire() {
	for attempt := 1; !l.held.CompareAndSwap(false, true); attempt++ {
		if attempt%attemptsBeforeYield == 0 && yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire takes the lock if it is free and reports whether it did.
func (l *Spinlock) TryToAcquire() bool {
	return !l.held.Swap(true)
}

// Release frees the lock. Releasing a free lock is a no-op.
func (l *Spinlock) Release() {
	l.held.Store(false)
}

// Held reports whether the lock is taken.
func (l *Spinlock) Held() bool {
	return l.held.Load()
}
