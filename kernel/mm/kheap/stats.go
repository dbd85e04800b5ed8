package kheap

import "amos/kernel"

var errAdjacentFreeBlocks = &kernel.Error{Module: "kheap", Message: "heap contains adjacent free blocks"}

// Block describes a heap block as reported by VisitBlocks.
type Block struct {
	// Addr is the payload address.
	Addr uintptr

	// Size is the requested size for used blocks and the capacity for free
	// blocks.
	Size uintptr

	// Capacity is the number of payload bytes up to the next block.
	Capacity uintptr

	Used bool
}

// Stats summarizes the heap layout.
type Stats struct {
	// HeapSize is the size of the mapped heap region.
	HeapSize uintptr

	Blocks     int
	UsedBlocks int

	// UsedBytes is the sum of the requested sizes of all used blocks.
	UsedBytes uintptr

	// FreeBytes is the sum of the capacities of all free blocks.
	FreeBytes uintptr

	LargestFree uintptr
}

// VisitBlocks invokes visitor for every block in address order until it
// returns false. The visitor runs inside the allocator's critical section and
// must not call back into the allocator.
func (a *Allocator) VisitBlocks(visitor func(Block) bool) *kernel.Error {
	if err := a.enter(); err != nil {
		return err
	}
	defer a.guard.Leave()

	return a.visitBlocks(visitor)
}

// visitBlocks is VisitBlocks for callers that hold the critical section.
func (a *Allocator) visitBlocks(visitor func(Block) bool) *kernel.Error {
	return a.walk(func(addr uintptr, hdr *blockHeader) bool {
		return visitor(Block{
			Addr:     addr + headerSize,
			Size:     hdr.size,
			Capacity: a.capacity(addr, hdr),
			Used:     hdr.used != 0,
		})
	})
}

// Stats returns a summary of the heap layout.
func (a *Allocator) Stats() (Stats, *kernel.Error) {
	var stats Stats

	if err := a.enter(); err != nil {
		return stats, err
	}
	defer a.guard.Leave()

	err := a.visitBlocks(func(b Block) bool {
		stats.Blocks++
		if b.Used {
			stats.UsedBlocks++
			stats.UsedBytes += b.Size
		} else {
			stats.FreeBytes += b.Capacity
			if b.Capacity > stats.LargestFree {
				stats.LargestFree = b.Capacity
			}
		}
		return true
	})

	stats.HeapSize = a.grower.Top() - a.grower.Bottom()
	return stats, err
}

// Verify walks the whole heap and checks that the blocks tile the heap region
// with valid headers and that no two adjacent blocks are free.
func (a *Allocator) Verify() *kernel.Error {
	var (
		prevFree bool
		adjacent bool
		covered  uintptr
	)

	if err := a.enter(); err != nil {
		return err
	}
	defer a.guard.Leave()

	err := a.visitBlocks(func(b Block) bool {
		if !b.Used && prevFree {
			adjacent = true
			return false
		}
		prevFree = !b.Used
		covered += headerSize + b.Capacity
		return true
	})

	switch bottom, top := a.grower.Bottom(), a.grower.Top(); {
	case err != nil:
		return err
	case adjacent:
		return errAdjacentFreeBlocks
	case covered != top-bottom:
		return errHeapCorrupted
	}
	return nil
}
