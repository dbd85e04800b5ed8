// Package pmm implements the physical frame allocator.
package pmm

import (
	"unsafe"

	"amos/kernel"
	"amos/kernel/kfmt"
	"amos/kernel/mm"
	"amos/kernel/sync"
)

const (
	// biosRegionStart and biosRegionEnd delimit the legacy video memory
	// and BIOS ROM area that must never be handed out.
	biosRegionStart = uintptr(0xA0000)
	biosRegionEnd   = uintptr(0x100000)

	// framesPerMb is the number of 4K frames in a megabyte.
	framesPerMb = uintptr(256)
)

var (
	errInvalidBootInfo = &kernel.Error{Module: "pmm", Message: "invalid boot memory information"}
	errNotInitialized  = &kernel.Error{Module: "pmm", Message: "frame allocator is not initialized"}
	errSectionBusy     = &kernel.Error{Module: "pmm", Message: "frame allocator entered while its critical section is held"}
	errSectionNotHeld  = &kernel.Error{Module: "pmm", Message: "held frame allocation without holding the critical section"}
	errFrameExhausted  = &kernel.Error{Module: "pmm", Message: "out of physical memory"}
	errFrameInUse      = &kernel.Error{Module: "pmm", Message: "frame is already allocated"}
	errFrameNotManaged = &kernel.Error{Module: "pmm", Message: "frame lies outside the managed physical memory"}
)

// BootInfo describes the machine layout the allocator is initialized from.
type BootInfo struct {
	// UpperMemoryKiB is the amount of memory above 1M as reported by the
	// boot loader.
	UpperMemoryKiB uint32

	// KernelStart and KernelEnd are the virtual addresses of the first byte
	// of the kernel image and of the byte following it.
	KernelStart, KernelEnd uintptr

	// KernelVirtOffset is subtracted from a kernel image virtual address to
	// obtain its physical address.
	KernelVirtOffset uintptr
}

// BitmapAllocator tracks the state of every physical frame with a single bit
// (1 = allocated). The bitmap is stored right after the kernel image and sized
// from the upper memory reported at boot, with one extra megabyte worth of
// bits that also covers the memory below 1M.
//
// All public methods hold the critical section supplied to Init for their
// whole duration.
type BitmapAllocator struct {
	// Debug enables diagnostics for requests that are otherwise ignored.
	Debug bool

	guard *sync.CriticalSection

	bitmap     []byte
	bitmapAddr uintptr

	// frameCount bounds every bitmap scan. Frames at or above it are either
	// margin bits or not backed by memory.
	frameCount uint32
	freeCount  uint32

	imageStart, imageEnd uintptr
}

// Init sets up the allocator bitmap at the end of the kernel image, clears it
// and reserves frame 0, the BIOS/video region and the frames holding the
// kernel image and the bitmap itself.
func (alloc *BitmapAllocator) Init(info BootInfo, guard *sync.CriticalSection) *kernel.Error {
	if guard == nil || info.UpperMemoryKiB == 0 ||
		info.KernelEnd < info.KernelStart || info.KernelStart < info.KernelVirtOffset {
		return errInvalidBootInfo
	}

	if !guard.Enter() {
		return errSectionBusy
	}
	defer guard.Leave()

	upperKiB := uintptr(info.UpperMemoryKiB)
	bitmapSize := BitmapBytes(info.UpperMemoryKiB)

	alloc.guard = guard
	alloc.bitmapAddr = info.KernelEnd
	alloc.bitmap = unsafe.Slice((*byte)(unsafe.Pointer(info.KernelEnd)), bitmapSize)
	kernel.Memset(alloc.bitmapAddr, 0, bitmapSize)

	alloc.frameCount = uint32(bitmapSize * 8)
	if backed := uint32((upperKiB + 1024) / 4); backed < alloc.frameCount {
		alloc.frameCount = backed
	}
	alloc.freeCount = alloc.frameCount

	alloc.imageStart = info.KernelStart - info.KernelVirtOffset
	alloc.imageEnd = info.KernelEnd - info.KernelVirtOffset + bitmapSize

	alloc.reserveRange(0, mm.PageSize)
	alloc.reserveRange(biosRegionStart, biosRegionEnd)
	alloc.reserveRange(alloc.imageStart, alloc.imageEnd)

	alloc.printMemoryMap(info.UpperMemoryKiB)
	return nil
}

// BitmapBytes returns the size of the bitmap that Init places after the
// kernel image for the given amount of upper memory.
func BitmapBytes(upperMemoryKiB uint32) uintptr {
	return ((uintptr(upperMemoryKiB)+1023)/1024 + 1) * framesPerMb / 8
}

// reserveRange marks every frame that overlaps [start, end) as allocated.
func (alloc *BitmapAllocator) reserveRange(start, end uintptr) {
	for addr := mm.AlignDown(start); addr < end; addr += mm.PageSize {
		frame := mm.FrameFromAddress(addr)
		if !alloc.managed(frame) {
			return
		}

		if !alloc.isSet(frame) {
			alloc.markUsed(frame)
		}
	}
}

// IsFree returns true if the frame containing physAddr is free. Frames outside
// the managed range are never free.
func (alloc *BitmapAllocator) IsFree(physAddr uintptr) bool {
	if alloc.enter() != nil {
		return false
	}
	defer alloc.guard.Leave()

	frame := mm.FrameFromAddress(physAddr)
	return alloc.managed(frame) && !alloc.isSet(frame)
}

// AllocFrameAt reserves the frame containing physAddr.
func (alloc *BitmapAllocator) AllocFrameAt(physAddr uintptr) (mm.Frame, *kernel.Error) {
	if err := alloc.enter(); err != nil {
		return mm.InvalidFrame, err
	}
	defer alloc.guard.Leave()

	frame := mm.FrameFromAddress(physAddr)
	switch {
	case !alloc.managed(frame):
		return mm.InvalidFrame, errFrameNotManaged
	case alloc.isSet(frame):
		return mm.InvalidFrame, errFrameInUse
	}

	alloc.markUsed(frame)
	return frame, nil
}

// AllocFrame reserves the lowest numbered free frame.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if err := alloc.enter(); err != nil {
		return mm.InvalidFrame, err
	}
	defer alloc.guard.Leave()

	return alloc.allocFrame()
}

// FreeFrame releases the frame containing physAddr. Releasing a free frame,
// frame 0 or a frame outside the managed range has no effect.
func (alloc *BitmapAllocator) FreeFrame(physAddr uintptr) {
	if alloc.enter() != nil {
		return
	}
	defer alloc.guard.Leave()

	alloc.freeFrame(physAddr)
}

func (alloc *BitmapAllocator) allocFrame() (mm.Frame, *kernel.Error) {
	if alloc.freeCount == 0 {
		return mm.InvalidFrame, errFrameExhausted
	}

	limit := mm.Frame(alloc.frameCount)
	for frame := mm.Frame(1); frame < limit; frame++ {
		// skip over fully allocated bytes
		if frame&7 == 0 && alloc.bitmap[frame>>3] == 0xff {
			frame += 7
			continue
		}

		if !alloc.isSet(frame) {
			alloc.markUsed(frame)
			return frame, nil
		}
	}

	return mm.InvalidFrame, errFrameExhausted
}

func (alloc *BitmapAllocator) freeFrame(physAddr uintptr) {
	frame := mm.FrameFromAddress(physAddr)
	switch {
	case frame == 0 || !alloc.managed(frame):
		if alloc.Debug {
			kfmt.Printf("[pmm] ignoring release of unmanaged frame 0x%x\n", frame.Address())
		}
	case !alloc.isSet(frame):
		if alloc.Debug {
			kfmt.Printf("[pmm] ignoring release of free frame 0x%x\n", frame.Address())
		}
	default:
		alloc.markFree(frame)
	}
}

// enter acquires the allocator critical section.
func (alloc *BitmapAllocator) enter() *kernel.Error {
	switch {
	case alloc.guard == nil:
		return errNotInitialized
	case !alloc.guard.Enter():
		return errSectionBusy
	}
	return nil
}

func (alloc *BitmapAllocator) managed(frame mm.Frame) bool {
	return frame < mm.Frame(alloc.frameCount)
}

func (alloc *BitmapAllocator) isSet(frame mm.Frame) bool {
	return alloc.bitmap[frame>>3]&(1<<(frame&7)) != 0
}

func (alloc *BitmapAllocator) markUsed(frame mm.Frame) {
	alloc.bitmap[frame>>3] |= 1 << (frame & 7)
	alloc.freeCount--
}

func (alloc *BitmapAllocator) markFree(frame mm.Frame) {
	alloc.bitmap[frame>>3] &^= 1 << (frame & 7)
	alloc.freeCount++
}
