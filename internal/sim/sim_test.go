package sim

import (
	"bytes"
	"image/png"
	"path/filepath"
	"strings"
	"testing"

	"amos/kernel"
	"amos/kernel/cpu"
	"amos/kernel/hal/multiboot"
	"amos/kernel/irq"
	"amos/kernel/mm"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bootMachine(t *testing.T, opts Options) *Machine {
	t.Helper()

	m, err := Boot(opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

func TestBoot(t *testing.T) {
	var console bytes.Buffer
	m := bootMachine(t, Options{UpperMemoryKiB: 4 * 1024, Debug: true, Console: &console})

	assert.Equal(t, uint32(1280), m.Memory.Frames.TotalFrames())
	assert.True(t, m.Memory.Config.Debug)

	start, end := m.KernelImage()
	assert.Equal(t, uintptr(0x100000), start)
	assert.Equal(t, uintptr(0x110000), end)
	assert.False(t, m.Memory.Frames.IsFree(start))
	assert.False(t, m.Memory.Frames.IsFree(0))
	assert.False(t, m.Memory.Frames.IsFree(0xb8000))
	assert.True(t, m.Memory.Frames.IsFree(0x1000))

	var regions int
	m.VisitMemRegions(func(*multiboot.MemoryMapEntry) bool {
		regions++
		return true
	})
	assert.Equal(t, 4, regions)

	out := console.String()
	for _, exp := range []string{"[kmain] boot loader memory map:", "[pmm] bitmap:", "[kheap] heap window"} {
		assert.Contains(t, out, exp)
	}
}

func TestBootErrors(t *testing.T) {
	specs := []struct {
		opts   Options
		expErr string
	}{
		{Options{UpperMemoryKiB: 1024, ImageSize: 2 * 1024 * 1024}, "do not fit"},
		{Options{UpperMemoryKiB: 1024, ImageSize: 1024 * 1024}, "do not fit"},
		// the image fits but the frame bitmap that follows it does not
		{Options{UpperMemoryKiB: 1024, ImageSize: 1<<20 - 8}, "do not fit"},
		{Options{CmdLine: "mm.reentry=maybe"}, "mm.reentry"},
		{Options{CmdLine: "kheap.base=0x200000"}, errHeapWindowMoved.Error()},
		{Options{CmdLine: "kheap.limit=1G"}, errHeapWindowMoved.Error()},
	}

	for specIndex, spec := range specs {
		m, err := Boot(spec.opts)
		require.Error(t, err, "[spec %d]", specIndex)
		require.Nil(t, m, "[spec %d]", specIndex)
		assert.Contains(t, err.Error(), spec.expErr, "[spec %d]", specIndex)
	}
}

func TestHeapAndFrames(t *testing.T) {
	m := bootMachine(t, Options{UpperMemoryKiB: 4 * 1024})

	first, err := m.Alloc(10)
	require.NoError(t, err)
	second, err := m.Alloc(20)
	require.NoError(t, err)
	require.NoError(t, m.Free(first))

	mapped := m.Pages().MappedPages()
	third, err := m.Alloc(8)
	require.NoError(t, err)
	assert.Equal(t, first, third, "expected the released block to be reused")
	assert.Equal(t, mapped, m.Pages().MappedPages(), "expected no heap growth")

	_, err = m.Alloc(0)
	require.Error(t, err)

	for _, ptr := range []uintptr{second, third} {
		require.NoError(t, m.Free(ptr))
	}
	stats, kerr := m.Memory.Heap.Stats()
	require.Nil(t, kerr)
	assert.Equal(t, 1, stats.Blocks)

	var prev uintptr
	for i := 0; i < 3; i++ {
		addr, err := m.AllocFrame()
		require.NoError(t, err)
		assert.False(t, addr >= 0xa0000 && addr < 0x100000)
		if i > 0 {
			assert.Equal(t, prev+mm.PageSize, addr)
		}
		prev = addr
	}

	free := m.Memory.Frames.FreeFrames()
	require.NoError(t, m.FreeFrame(prev))
	assert.Equal(t, free+1, m.Memory.Frames.FreeFrames())

	assert.Nil(t, m.Payload(0x1000, 8))
	assert.Len(t, m.Payload(second, 20), 20)

	// the window is reserved up front but only grown pages are mapped
	_, top := m.Memory.Heap.Bounds()
	assert.Nil(t, m.Payload(top, 8))
	require.NoError(t, m.checkBacking(second, 20))
}

func TestBootFitsImageAndBitmap(t *testing.T) {
	// the largest image that leaves room for the bitmap
	upper := uint32(1024)
	m := bootMachine(t, Options{UpperMemoryKiB: upper, ImageSize: 1<<20 - 64})

	assert.Equal(t, uintptr(64), m.Memory.Frames.BitmapSize())
	_, end := m.KernelImage()
	assert.Equal(t, uintptr(imagePhys)+uintptr(upper)*1024-64, end)
}

func TestPortWrites(t *testing.T) {
	m := bootMachine(t, Options{UpperMemoryKiB: 4 * 1024})

	writes := m.PortWrites()
	require.Len(t, writes, 10)
	assert.Equal(t, PortWrite{Port: 0x20, Value: 0x11}, writes[0])
	assert.Equal(t, PortWrite{Port: 0xa1, Value: 0x28}, writes[3])
	assert.Equal(t, PortWrite{Port: 0xa1, Value: 0x00}, writes[9])

	m.Memory.IRQ.Enable(irq.IRQ8, func(*irq.Context) uintptr { return 0 })
	_, err := m.RaiseIRQ(irq.IRQ8)
	require.NoError(t, err)

	writes = m.PortWrites()
	assert.Equal(t, PortWrite{Port: 0xa0, Value: 0x20}, writes[len(writes)-1])
}

func TestRaiseIRQWhileMasked(t *testing.T) {
	m := bootMachine(t, Options{UpperMemoryKiB: 4 * 1024})
	assert.True(t, cpu.InterruptsEnabled())

	cpu.DisableInterrupts()
	_, err := m.RaiseIRQ(irq.IRQ0)
	assert.Equal(t, errInterruptsMasked, err)
	assert.Zero(t, m.IRQCount())

	cpu.EnableInterrupts()
	_, err = m.RaiseIRQ(irq.IRQ0)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), m.IRQCount())
}

func TestInjectIRQOnMap(t *testing.T) {
	specs := []struct {
		cmdLine   string
		expHalted bool
	}{
		{"", false},
		{"mm.reentry=panic", true},
	}

	for specIndex, spec := range specs {
		var console bytes.Buffer
		m, err := Boot(Options{UpperMemoryKiB: 4 * 1024, CmdLine: spec.cmdLine, Console: &console})
		require.NoError(t, err, "[spec %d]", specIndex)

		var handlerErr *kernel.Error
		m.Memory.IRQ.Enable(irq.IRQ0+1, func(*irq.Context) uintptr {
			_, handlerErr = m.Memory.Heap.Alloc(32)
			return 0
		})

		m.InjectIRQOnMap(irq.IRQ0 + 1)
		ptr, err := m.Alloc(64)

		assert.Equal(t, uint64(1), m.IRQCount(), "[spec %d]", specIndex)
		assert.Equal(t, spec.expHalted, m.Halted(), "[spec %d]", specIndex)
		if spec.expHalted {
			assert.Equal(t, ErrHalted, err, "[spec %d]", specIndex)
			assert.Contains(t, console.String(), "kernel panic", "[spec %d]", specIndex)

			_, err = m.AllocFrame()
			assert.Equal(t, ErrHalted, err, "[spec %d] expected a halted machine to stay halted", specIndex)
		} else {
			require.NoError(t, err, "[spec %d]", specIndex)
			assert.NotZero(t, ptr, "[spec %d]", specIndex)
			assert.NotNil(t, handlerErr, "[spec %d] expected the reentrant allocation to be refused", specIndex)
			assert.Nil(t, m.Pages().OnMap, "[spec %d] expected a one-shot injection", specIndex)
		}

		require.NoError(t, m.Close(), "[spec %d]", specIndex)
	}
}

func TestRaiseIRQ(t *testing.T) {
	m := bootMachine(t, Options{UpperMemoryKiB: 4 * 1024})

	m.Memory.IRQ.Enable(irq.IRQ8, func(ctx *irq.Context) uintptr {
		ptr, err := m.Memory.Heap.Alloc(48)
		require.Nil(t, err)
		return ptr
	})

	ret, err := m.RaiseIRQ(irq.IRQ8)
	require.NoError(t, err)
	require.NotZero(t, ret, "expected allocations outside the critical section to succeed")

	// an enabled exception without a handler is fatal
	_, err = m.RaiseIRQ(irq.GPFException)
	require.Equal(t, ErrHalted, err)
}

func workload(fn func(*Workload)) Workload {
	w := DefaultWorkload()
	fn(&w)
	return w
}

func TestRun(t *testing.T) {
	specs := []Workload{
		workload(func(w *Workload) { w.Seed, w.Ops, w.Drain = 42, 2000, true }),
		workload(func(w *Workload) {
			w.Seed, w.Ops, w.MaxSize, w.FreeRatio, w.IRQOnGrowth = 7, 1500, 9000, 0.3, true
		}),
	}

	for specIndex, spec := range specs {
		m, err := Boot(Options{UpperMemoryKiB: 8 * 1024})
		require.NoError(t, err, "[spec %d]", specIndex)

		rep, err := m.Run(spec)
		require.NoError(t, err, "[spec %d]", specIndex)
		assert.NotZero(t, rep.Allocs, "[spec %d]", specIndex)
		assert.NotZero(t, rep.FrameAllocs, "[spec %d]", specIndex)
		require.Nil(t, m.Memory.Heap.Verify(), "[spec %d]", specIndex)

		if spec.Drain {
			assert.Equal(t, 1, rep.Heap.Blocks, "[spec %d] expected a drained heap to be a single free block", specIndex)
			assert.Zero(t, rep.Heap.UsedBlocks, "[spec %d]", specIndex)
		}
		if spec.IRQOnGrowth {
			assert.NotZero(t, rep.IRQs, "[spec %d]", specIndex)
			assert.Equal(t, rep.IRQs, rep.Refusals, "[spec %d] expected every interrupt allocation to be refused", specIndex)
			assert.Nil(t, m.Pages().OnMap, "[spec %d]", specIndex)
		}

		require.NoError(t, m.Close(), "[spec %d]", specIndex)
	}
}

func TestRunWithoutFrameOperations(t *testing.T) {
	m := bootMachine(t, Options{UpperMemoryKiB: 4 * 1024})

	rep, err := m.Run(workload(func(w *Workload) { w.FrameRatio = 0 }))
	require.NoError(t, err)
	assert.NotZero(t, rep.Allocs)
	assert.Zero(t, rep.FrameAllocs)
	assert.Zero(t, rep.FrameFrees)
}

func TestRunSpinModeWithIRQs(t *testing.T) {
	m := bootMachine(t, Options{CmdLine: "mm.reentry=spin"})

	_, err := m.Run(Workload{IRQOnGrowth: true})
	require.Equal(t, errSpinReentry, errors.Cause(err))
}

func TestRender(t *testing.T) {
	m := bootMachine(t, Options{UpperMemoryKiB: 4 * 1024})

	for _, size := range []uintptr{100, 5000, 300} {
		_, err := m.Alloc(size)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, m.Render(&buf, 4))

	img, err := png.Decode(&buf)
	require.NoError(t, err)

	rows := (1280 + framesPerRow - 1) / framesPerRow
	assert.Equal(t, framesPerRow*4, img.Bounds().Dx())
	assert.Equal(t, headerHeight+rows*4+4+heapBarCells*4+4, img.Bounds().Dy())

	path := filepath.Join(t.TempDir(), "mem.png")
	require.NoError(t, m.RenderPNG(path, 2))

	err = m.Render(&buf, 0)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "invalid cell size"))
}
