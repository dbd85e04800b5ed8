package pmm

import (
	"amos/kernel/kfmt"
	"amos/kernel/mm"
)

// TotalFrames returns the number of frames tracked by the allocator.
func (alloc *BitmapAllocator) TotalFrames() uint32 {
	return alloc.frameCount
}

// FreeFrames returns the number of frames currently available.
func (alloc *BitmapAllocator) FreeFrames() uint32 {
	if alloc.enter() != nil {
		return 0
	}
	defer alloc.guard.Leave()

	return alloc.freeCount
}

// BitmapSize returns the size in bytes of the allocation bitmap.
func (alloc *BitmapAllocator) BitmapSize() uintptr {
	return uintptr(len(alloc.bitmap))
}

// Snapshot copies the allocation bitmap into dst and returns the number of
// bytes copied. Bit n of the copy is set if frame n is allocated.
func (alloc *BitmapAllocator) Snapshot(dst []byte) int {
	if alloc.enter() != nil {
		return 0
	}
	defer alloc.guard.Leave()

	return copy(dst, alloc.bitmap)
}

func (alloc *BitmapAllocator) printMemoryMap(upperKiB uint32) {
	kfmt.Printf("[pmm] upper memory: %dKb\n", upperKiB)
	kfmt.Printf("[pmm] bitmap: %d bytes at 0x%x tracking %d frames\n", len(alloc.bitmap), alloc.bitmapAddr, alloc.frameCount)
	kfmt.Printf("[pmm] reserved [0x%8x - 0x%8x] bios/video\n", biosRegionStart, biosRegionEnd-1)
	kfmt.Printf("[pmm] reserved [0x%8x - 0x%8x] kernel image + bitmap\n", alloc.imageStart, mm.AlignUp(alloc.imageEnd)-1)
	kfmt.Printf("[pmm] free memory: %dKb (%d frames)\n", uint64(alloc.freeCount)*uint64(mm.PageSize)/1024, alloc.freeCount)
}
