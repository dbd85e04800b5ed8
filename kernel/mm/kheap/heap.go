// Package kheap implements the kernel heap: a first-fit allocator over a
// singly linked list of blocks that tile a contiguous virtual region which
// grows page by page.
package kheap

import (
	"unsafe"

	"amos/kernel"
	"amos/kernel/kfmt"
	"amos/kernel/mm"
	"amos/kernel/mm/vmm"
	"amos/kernel/sync"
)

// blockHeader precedes every heap block. A block extends from its header to
// the next header (or to the heap top for the last block). Free blocks record
// their full capacity in size; used blocks record the requested size and own
// any filler up to the next header.
type blockHeader struct {
	size uintptr

	// next is the address of the following header; 0 for the last block.
	next uintptr

	used uint32
	_    uint32
}

const (
	headerSize = unsafe.Sizeof(blockHeader{})

	// BlockOverhead is the number of bytes every block spends on its header.
	BlockOverhead = headerSize

	// maxAllocSize keeps the rounding and growth arithmetic from
	// overflowing.
	maxAllocSize = ^uintptr(0) >> 1
)

var (
	errInvalidSize    = &kernel.Error{Module: "kheap", Message: "allocation size must be non-zero"}
	errInvalidConfig  = &kernel.Error{Module: "kheap", Message: "invalid heap configuration"}
	errNotInitialized = &kernel.Error{Module: "kheap", Message: "heap allocator is not initialized"}
	errSectionBusy    = &kernel.Error{Module: "kheap", Message: "heap allocator entered while its critical section is held"}
	errHeapCorrupted  = &kernel.Error{Module: "kheap", Message: "heap block list is corrupted"}
)

// Allocator hands out variable sized regions of the kernel heap. Every public
// method holds the critical section supplied to Init for its whole duration.
type Allocator struct {
	guard  *sync.CriticalSection
	grower Grower
	debug  bool
}

// Init configures the heap. No memory is mapped until the first allocation.
func (a *Allocator) Init(cfg mm.Config, frames FrameSource, mapper vmm.Mapper, guard *sync.CriticalSection) *kernel.Error {
	if frames == nil || mapper == nil || guard == nil || cfg.HeapBase == 0 ||
		cfg.HeapBase&(mm.PageSize-1) != 0 || cfg.HeapLimit < mm.Size(mm.PageSize) {
		return errInvalidConfig
	}

	end := cfg.HeapBase + uintptr(cfg.HeapLimit)
	if end < cfg.HeapBase {
		end = ^(mm.PageSize - 1)
	}

	a.guard = guard
	a.debug = cfg.Debug
	a.grower = Grower{
		frames: frames,
		mapper: mapper,
		debug:  cfg.Debug,
		base:   cfg.HeapBase,
		end:    end,
	}

	kfmt.Printf("[kheap] heap window: [0x%x - 0x%x]\n", cfg.HeapBase, end-1)
	return nil
}

// Alloc reserves size bytes and returns the payload address. Payloads are
// 8-byte aligned. On failure Alloc returns 0 and an error; a zero size is
// rejected without touching the heap.
func (a *Allocator) Alloc(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 || size > maxAllocSize {
		return 0, errInvalidSize
	}

	if err := a.enter(); err != nil {
		return 0, err
	}
	defer a.guard.Leave()

	var (
		rounded     = (size + 7) &^ 7
		found, last uintptr
	)

	err := a.walk(func(addr uintptr, hdr *blockHeader) bool {
		if hdr.used == 0 && a.capacity(addr, hdr) >= rounded {
			found = addr
			return false
		}
		last = addr
		return true
	})
	if err != nil {
		return 0, err
	}

	if found != 0 {
		a.split(found, size, rounded)
		return found + headerSize, nil
	}

	total := rounded + headerSize
	start, grown, err := a.grower.Grow(total)
	if err != nil {
		if grown != 0 {
			a.absorb(last, start, grown)
		}
		return 0, err
	}

	hdr := a.link(last, start)
	hdr.used = 1
	hdr.size = size
	hdr.next = 0

	if grown-total >= headerSize {
		rem := start + total
		remHdr := header(rem)
		remHdr.used = 0
		remHdr.size = grown - total - headerSize
		remHdr.next = 0
		hdr.next = rem
	}

	return start + headerSize, nil
}

// Free releases an allocation returned by Alloc. Pointers that do not match a
// block of this heap are ignored. Adjacent free blocks are merged.
func (a *Allocator) Free(ptr uintptr) {
	if a.enter() != nil {
		return
	}
	defer a.guard.Leave()

	hdr, err := a.lookup(ptr)
	switch {
	case err != nil:
		return
	case hdr == nil:
		if a.debug {
			kfmt.Printf("[kheap] ignoring release of unknown pointer 0x%x\n", ptr)
		}
		return
	case hdr.used == 0:
		if a.debug {
			kfmt.Printf("[kheap] ignoring release of free block 0x%x\n", ptr)
		}
		return
	}

	hdr.used = 0
	hdr.size = a.capacity(ptr-headerSize, hdr)
	a.coalesce()
}

// SizeOf returns the requested size of a live allocation.
func (a *Allocator) SizeOf(ptr uintptr) (uintptr, bool) {
	if a.enter() != nil {
		return 0, false
	}
	defer a.guard.Leave()

	hdr, err := a.lookup(ptr)
	if err != nil || hdr == nil || hdr.used == 0 {
		return 0, false
	}
	return hdr.size, true
}

// Bounds returns the heap region [bottom, top). It returns zeroes if the
// critical section cannot be entered.
func (a *Allocator) Bounds() (bottom, top uintptr) {
	if a.enter() != nil {
		return 0, 0
	}
	defer a.guard.Leave()

	return a.grower.Bottom(), a.grower.Top()
}

// lookup returns the header of the block whose payload starts at ptr or nil
// if no such block exists.
func (a *Allocator) lookup(ptr uintptr) (*blockHeader, *kernel.Error) {
	if ptr < headerSize || ptr&7 != 0 {
		return nil, nil
	}

	addr := ptr - headerSize
	if addr < a.grower.bottom || addr >= a.grower.top {
		return nil, nil
	}

	var match *blockHeader
	err := a.walk(func(blockAddr uintptr, hdr *blockHeader) bool {
		if blockAddr == addr {
			match = hdr
		}
		return blockAddr < addr
	})
	return match, err
}

// split turns the free block at addr into a used block holding size bytes.
// The space after the rounded payload becomes a new free block if it can
// hold a header; otherwise it stays with the used block as filler.
func (a *Allocator) split(addr, size, rounded uintptr) {
	hdr := header(addr)
	capacity := a.capacity(addr, hdr)

	hdr.used = 1
	hdr.size = size

	if capacity-rounded >= headerSize {
		rem := addr + headerSize + rounded
		remHdr := header(rem)
		remHdr.used = 0
		remHdr.size = capacity - rounded - headerSize
		remHdr.next = hdr.next
		hdr.next = rem
	}
}

// absorb turns pages mapped by a failed growth into a trailing free block so
// the blocks keep tiling the heap region.
func (a *Allocator) absorb(last, start, grown uintptr) {
	hdr := a.link(last, start)
	hdr.used = 0
	hdr.size = grown - headerSize
	hdr.next = 0

	a.coalesce()
}

// link appends the block at addr after last and returns its header.
func (a *Allocator) link(last, addr uintptr) *blockHeader {
	if last != 0 {
		header(last).next = addr
	}
	return header(addr)
}

// coalesce merges every run of adjacent free blocks.
func (a *Allocator) coalesce() {
	_ = a.walk(func(addr uintptr, hdr *blockHeader) bool {
		for hdr.used == 0 && hdr.next != 0 {
			next, err := a.checkedHeader(hdr.next)
			if err != nil || next.used != 0 {
				break
			}

			hdr.size += headerSize + next.size
			hdr.next = next.next
		}
		return true
	})
}

// walk visits the blocks in address order until visitor returns false. Every
// header is validated before it is handed to visitor and links must strictly
// increase, which bounds the walk by the heap size.
func (a *Allocator) walk(visitor func(addr uintptr, hdr *blockHeader) bool) *kernel.Error {
	if !a.grower.started || a.grower.bottom == a.grower.top {
		return nil
	}

	for addr := a.grower.bottom; addr != 0; {
		hdr, err := a.checkedHeader(addr)
		if err != nil {
			return err
		}

		if !visitor(addr, hdr) {
			return nil
		}

		if hdr.next != 0 && hdr.next <= addr {
			return a.corrupted(addr)
		}
		addr = hdr.next
	}

	return nil
}

// checkedHeader returns the header at addr after checking that it lies inside
// the heap and describes a block that fits inside it.
func (a *Allocator) checkedHeader(addr uintptr) (*blockHeader, *kernel.Error) {
	bottom, top := a.grower.bottom, a.grower.top
	if addr&7 != 0 || addr < bottom || addr > top-headerSize {
		return nil, a.corrupted(addr)
	}

	hdr := header(addr)
	end := hdr.next
	if end == 0 {
		end = top
	}

	if end <= addr || end > top || end-addr < headerSize || hdr.used > 1 {
		return nil, a.corrupted(addr)
	}

	capacity := end - addr - headerSize
	if hdr.size > capacity || (hdr.used == 0 && hdr.size != capacity) {
		return nil, a.corrupted(addr)
	}

	return hdr, nil
}

func (a *Allocator) corrupted(addr uintptr) *kernel.Error {
	kfmt.Printf("[kheap] corrupted block header at 0x%x\n", addr)
	return errHeapCorrupted
}

// capacity returns the number of payload bytes available to the block at
// addr.
func (a *Allocator) capacity(addr uintptr, hdr *blockHeader) uintptr {
	end := hdr.next
	if end == 0 {
		end = a.grower.top
	}
	return end - addr - headerSize
}

// enter acquires the allocator critical section.
func (a *Allocator) enter() *kernel.Error {
	switch {
	case a.guard == nil:
		return errNotInitialized
	case !a.guard.Enter():
		return errSectionBusy
	}
	return nil
}

func header(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}
