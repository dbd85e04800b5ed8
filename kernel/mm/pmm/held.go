package pmm

import (
	"amos/kernel"
	"amos/kernel/mm"
)

// HeldFrames exposes frame allocation to code that already holds the
// critical section guarding the allocator, such as the kernel heap growing
// itself in the middle of an allocation. Entering the section again from
// there would be a reentrant entry.
type HeldFrames BitmapAllocator

// Held returns the HeldFrames view of the allocator.
func (alloc *BitmapAllocator) Held() *HeldFrames {
	return (*HeldFrames)(alloc)
}

// AllocFrame reserves the lowest numbered free frame.
func (h *HeldFrames) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc := (*BitmapAllocator)(h)
	if !alloc.sectionHeld() {
		return mm.InvalidFrame, errSectionNotHeld
	}
	return alloc.allocFrame()
}

// FreeFrame releases the frame containing physAddr.
func (h *HeldFrames) FreeFrame(physAddr uintptr) {
	alloc := (*BitmapAllocator)(h)
	if alloc.sectionHeld() {
		alloc.freeFrame(physAddr)
	}
}

func (alloc *BitmapAllocator) sectionHeld() bool {
	return alloc.guard != nil && alloc.guard.Held()
}
