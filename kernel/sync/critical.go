package sync

import (
	"sync/atomic"

	"amos/kernel"
	"amos/kernel/cpu"
	"amos/kernel/kfmt"
)

// ReentryMode selects what CriticalSection.Enter does when the section is
// already held.
type ReentryMode uint8

const (
	// ReentryRefuse reports the reentry through the trap and refuses entry.
	ReentryRefuse ReentryMode = iota

	// ReentryPanic halts the kernel. It behaves like ReentryRefuse if the
	// trap returns.
	ReentryPanic

	// ReentrySpin waits for the holder to leave. It is only meaningful when
	// the holder runs concurrently (hosted use); on a single CPU it turns
	// reentry into a deadlock.
	ReentrySpin
)

var errReentrantEntry = &kernel.Error{Module: "sync", Message: "critical section entered while already held"}

// CriticalSection serializes every operation of the frame and heap allocators.
// It is not reentrant: code that runs while the section is held (for example
// an interrupt handler that fires in the middle of an allocation) must not try
// to enter it again. Such attempts are detected and, unless the section is in
// ReentrySpin mode, refused.
//
// Interrupts are masked while the section is held and the previous interrupt
// state is restored on Leave.
type CriticalSection struct {
	// Mode selects the reentry behavior.
	Mode ReentryMode

	// Trap, if set, is invoked with the reentry error before Enter
	// refuses entry.
	Trap func(*kernel.Error)

	lock Spinlock

	// irqsWereEnabled is only accessed by the holder.
	irqsWereEnabled bool

	entries  atomic.Uint64
	refusals atomic.Uint64
}

// Enter acquires the section. It returns false if entry was refused in which
// case the caller must abort without touching the state guarded by the
// section.
func (cs *CriticalSection) Enter() bool {
	if !cs.lock.TryToAcquire() {
		if cs.Mode != ReentrySpin {
			cs.refusals.Add(1)
			cs.reportReentry()
			return false
		}

		cs.lock.Acquire()
	}

	cs.irqsWereEnabled = cpu.InterruptsEnabled()
	cpu.DisableInterrupts()
	cs.entries.Add(1)
	return true
}

// Leave releases the section.
func (cs *CriticalSection) Leave() {
	if cs.irqsWereEnabled {
		cpu.EnableInterrupts()
	}
	cs.lock.Release()
}

// Held reports whether the section is currently held.
func (cs *CriticalSection) Held() bool {
	return cs.lock.Held()
}

// Stats returns the number of successful entries and refused reentries.
func (cs *CriticalSection) Stats() (entries, refusals uint64) {
	return cs.entries.Load(), cs.refusals.Load()
}

func (cs *CriticalSection) reportReentry() {
	switch {
	case cs.Trap != nil:
		cs.Trap(errReentrantEntry)
	case cs.Mode == ReentryPanic:
		kfmt.Panic(errReentrantEntry)
	}
}
