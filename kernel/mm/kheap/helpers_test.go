package kheap

import (
	"testing"

	"amos/internal/arena"
	"amos/kernel"
	"amos/kernel/mm"
	"amos/kernel/mm/vmm"
	"amos/kernel/sync"

	"github.com/stretchr/testify/require"
)

var errTestOutOfFrames = &kernel.Error{Module: "test", Message: "out of frames"}

// fakeFrames hands out sequential frames. A negative budget means unlimited.
type fakeFrames struct {
	budget int
	next   mm.Frame
	freed  []uintptr
}

func (f *fakeFrames) AllocFrame() (mm.Frame, *kernel.Error) {
	if f.budget == 0 {
		return mm.InvalidFrame, errTestOutOfFrames
	}
	if f.budget > 0 {
		f.budget--
	}
	f.next++
	return f.next, nil
}

func (f *fakeFrames) FreeFrame(physAddr uintptr) {
	f.freed = append(f.freed, physAddr)
}

type testHeap struct {
	*Allocator

	window *arena.Arena
	frames *fakeFrames
	pages  *vmm.SoftPageTable
	guard  *sync.CriticalSection
	cfg    mm.Config
}

// newTestHeap returns an allocator whose heap window is backed by an arena of
// the given number of pages.
func newTestHeap(t *testing.T, windowPages uintptr) *testHeap {
	window, err := arena.New(windowPages * mm.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = window.Close() })

	h := &testHeap{
		Allocator: new(Allocator),
		window:    window,
		frames:    &fakeFrames{budget: -1},
		pages:     new(vmm.SoftPageTable),
		guard:     new(sync.CriticalSection),
		cfg: mm.Config{
			HeapBase:  window.Base(),
			HeapLimit: mm.Size(window.Size()),
		},
	}
	require.Nil(t, h.Init(h.cfg, h.frames, h.pages, h.guard))
	return h
}

func (h *testHeap) mustAlloc(t *testing.T, size uintptr) uintptr {
	ptr, err := h.Alloc(size)
	require.Nil(t, err, "Alloc(%d)", size)
	require.NotZero(t, ptr)
	return ptr
}

func (h *testHeap) mustStats(t *testing.T) Stats {
	stats, err := h.Stats()
	require.Nil(t, err)
	return stats
}

func (h *testHeap) requireValid(t *testing.T) {
	require.Nil(t, h.Verify())
}
