package kheap

import (
	"amos/kernel"
	"amos/kernel/kfmt"
	"amos/kernel/mm"
	"amos/kernel/mm/vmm"
)

var (
	// memsetFn is mocked by tests.
	memsetFn = kernel.Memset

	errHeapLimitReached = &kernel.Error{Module: "kheap", Message: "heap growth failed: virtual address limit reached"}
	errGrowOutOfFrames  = &kernel.Error{Module: "kheap", Message: "heap growth failed: out of physical frames"}
)

// FrameSource supplies the physical frames backing the heap. The heap calls it
// while holding its critical section.
type FrameSource interface {
	AllocFrame() (mm.Frame, *kernel.Error)
	FreeFrame(physAddr uintptr)
}

// Grower extends the heap's virtual region one page at a time. Each page is
// backed by a fresh frame, mapped present and writable, and zeroed.
type Grower struct {
	frames FrameSource
	mapper vmm.Mapper
	debug  bool

	// base and end delimit the virtual window the heap may occupy.
	base, end uintptr

	started     bool
	bottom, top uintptr
}

// Grow maps size/PageSize+1 new pages at the top of the heap. The first call
// fixes the heap bottom at the configured base.
//
// Grow returns the address of the first new page and the number of bytes
// mapped by this call. Pages mapped before a failure stay mapped, so grown
// may be non-zero even when an error is returned.
func (g *Grower) Grow(size uintptr) (start, grown uintptr, err *kernel.Error) {
	if !g.started {
		g.bottom, g.top, g.started = g.base, g.base, true
	}

	start = g.top
	for pages := size/mm.PageSize + 1; pages > 0; pages-- {
		if g.end-g.top < mm.PageSize {
			return start, g.top - start, errHeapLimitReached
		}

		frame, ferr := g.frames.AllocFrame()
		if ferr != nil {
			if g.debug {
				kfmt.Printf("[kheap] frame allocation failed: %s\n", ferr.Message)
			}
			return start, g.top - start, errGrowOutOfFrames
		}

		if merr := g.mapper.Map(mm.PageFromAddress(g.top), frame, vmm.FlagPresent|vmm.FlagRW); merr != nil {
			g.frames.FreeFrame(frame.Address())
			return start, g.top - start, merr
		}

		memsetFn(g.top, 0, mm.PageSize)
		g.top += mm.PageSize
	}

	return start, g.top - start, nil
}

// Bottom returns the address of the first heap byte or 0 if the heap has not
// grown yet.
func (g *Grower) Bottom() uintptr { return g.bottom }

// Top returns the address following the last mapped heap byte.
func (g *Grower) Top() uintptr { return g.top }
