package pmm

import (
	"bytes"
	"testing"

	"amos/internal/arena"
	"amos/kernel"
	"amos/kernel/kfmt"
	"amos/kernel/mm"
	"amos/kernel/sync"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testImageSize  = 16 * 1024
	testImagePhys  = uintptr(0x100000)
	testImageFrame = 5 // 16K image + bitmap, rounded up to frames
)

// testMachine backs the kernel image (and the bitmap that follows it) with an
// arena. The image is loaded at physical address 1M.
type testMachine struct {
	image *arena.Arena
	info  BootInfo
	guard sync.CriticalSection
}

func newTestMachine(t *testing.T, upperKiB uint32) *testMachine {
	image, err := arena.New(testImageSize + 64*1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = image.Close() })

	// junk that Init must clear
	for i := range image.Bytes() {
		image.Bytes()[i] = 0xf0
	}

	return &testMachine{
		image: image,
		info: BootInfo{
			UpperMemoryKiB:   upperKiB,
			KernelStart:      image.Base(),
			KernelEnd:        image.Base() + testImageSize,
			KernelVirtOffset: image.Base() - testImagePhys,
		},
	}
}

func (m *testMachine) boot(t *testing.T) *BitmapAllocator {
	var alloc BitmapAllocator
	require.Nil(t, alloc.Init(m.info, &m.guard))
	return &alloc
}

func TestInit(t *testing.T) {
	var buf bytes.Buffer
	defer kfmt.SetOutputSink(kfmt.GetOutputSink())
	kfmt.SetOutputSink(&buf)

	m := newTestMachine(t, 64*1024)
	alloc := m.boot(t)

	assert.Equal(t, uintptr(2080), alloc.BitmapSize())
	assert.Equal(t, uint32(16640), alloc.TotalFrames())

	expFree := uint32(16640 - 1 - 96 - testImageFrame)
	assert.Equal(t, expFree, alloc.FreeFrames())

	// the bitmap lives right after the image and every byte that is not
	// covering a reserved frame must have been cleared
	bitmap := m.image.Bytes()[testImageSize : testImageSize+2080]
	assert.Equal(t, byte(0), bitmap[len(bitmap)-1])

	specs := []struct {
		addr    uintptr
		expFree bool
	}{
		{0, false},
		{0xfff, false},
		{0x1000, true},
		{0x9f000, true},
		{0xa0000, false},
		{0xb8000, false},
		{0xfffff, false},
		{testImagePhys, false},
		{testImagePhys + testImageSize, false},
		{testImagePhys + testImageFrame*0x1000, true},
		{0x40ff000, true},
		{0x4100000, false}, // beyond the managed range
	}

	for specIndex, spec := range specs {
		if got := alloc.IsFree(spec.addr); got != spec.expFree {
			t.Errorf("[spec %d] expected IsFree(0x%x) to return %t; got %t", specIndex, spec.addr, spec.expFree, got)
		}
	}

	assert.Contains(t, buf.String(), "[pmm] bitmap: 2080 bytes")
	assert.Contains(t, buf.String(), "tracking 16640 frames")
}

func TestBitmapBytes(t *testing.T) {
	specs := []struct {
		upperKiB uint32
		exp      uintptr
	}{
		{1, 64},
		{1024, 64},
		{1025, 96},
		{64 * 1024, 2080},
	}

	for specIndex, spec := range specs {
		assert.Equal(t, spec.exp, BitmapBytes(spec.upperKiB), "[spec %d]", specIndex)
	}
}

func TestInitErrors(t *testing.T) {
	m := newTestMachine(t, 1024)

	var guard sync.CriticalSection

	specs := []struct {
		info  BootInfo
		guard *sync.CriticalSection
	}{
		{m.info, nil},
		{BootInfo{KernelStart: m.info.KernelStart, KernelEnd: m.info.KernelEnd}, &guard},
		{BootInfo{UpperMemoryKiB: 1024, KernelStart: m.info.KernelEnd, KernelEnd: m.info.KernelStart}, &guard},
		{BootInfo{UpperMemoryKiB: 1024, KernelStart: 0x1000, KernelEnd: 0x2000, KernelVirtOffset: 0x3000}, &guard},
	}

	for specIndex, spec := range specs {
		var alloc BitmapAllocator
		if err := alloc.Init(spec.info, spec.guard); err != errInvalidBootInfo {
			t.Errorf("[spec %d] expected errInvalidBootInfo; got %v", specIndex, err)
		}
	}

	t.Run("section held", func(t *testing.T) {
		require.True(t, guard.Enter())
		defer guard.Leave()

		var alloc BitmapAllocator
		assert.Equal(t, errSectionBusy, alloc.Init(m.info, &guard))
	})
}

func TestAllocFrameSequence(t *testing.T) {
	m := newTestMachine(t, 64*1024)
	alloc := m.boot(t)

	var prev mm.Frame
	for i := 0; i < 3; i++ {
		frame, err := alloc.AllocFrame()
		require.Nil(t, err)

		addr := frame.Address()
		assert.False(t, addr >= 0xa0000 && addr < 0x100000, "frame 0x%x lies in the BIOS region", addr)
		if i > 0 {
			assert.Equal(t, prev.Address()+mm.PageSize, addr)
		}
		prev = frame
	}

	assert.Equal(t, uintptr(0x3000), prev.Address())
}

func TestAllocFrameExhaustion(t *testing.T) {
	m := newTestMachine(t, 1024)
	alloc := m.boot(t)

	// 2M bitmap: 512 frames minus frame 0, the BIOS region and the image
	expFree := 512 - 1 - 96 - testImageFrame
	require.Equal(t, uint32(expFree), alloc.FreeFrames())

	seen := make(map[mm.Frame]bool)
	for {
		frame, err := alloc.AllocFrame()
		if err != nil {
			assert.Equal(t, errFrameExhausted, err)
			assert.Equal(t, mm.InvalidFrame, frame)
			break
		}

		require.False(t, seen[frame], "frame %d returned twice", frame)
		require.NotZero(t, frame, "frame 0 must never be returned")
		require.Less(t, uint32(frame), alloc.TotalFrames())
		addr := frame.Address()
		require.False(t, addr >= 0xa0000 && addr < 0x100000)
		seen[frame] = true
	}

	assert.Len(t, seen, expFree)
	assert.Zero(t, alloc.FreeFrames())

	// a released frame is handed out again
	alloc.FreeFrame(0x5000)
	frame, err := alloc.AllocFrame()
	require.Nil(t, err)
	assert.Equal(t, uintptr(0x5000), frame.Address())
}

func TestUnalignedUpperMemory(t *testing.T) {
	m := newTestMachine(t, 1500)
	alloc := m.boot(t)

	// 1500K rounds up to 2M for the bitmap but only 631 frames are backed
	assert.Equal(t, uintptr(96), alloc.BitmapSize())
	assert.Equal(t, uint32(631), alloc.TotalFrames())

	for {
		frame, err := alloc.AllocFrame()
		if err != nil {
			break
		}
		require.Less(t, uint32(frame), uint32(631))
	}
}

func TestAllocFrameAt(t *testing.T) {
	m := newTestMachine(t, 64*1024)
	alloc := m.boot(t)

	frame, err := alloc.AllocFrameAt(0x200123)
	require.Nil(t, err)
	assert.Equal(t, uintptr(0x200000), frame.Address())
	assert.False(t, alloc.IsFree(0x200000))

	specs := []struct {
		addr   uintptr
		expErr *kernel.Error
	}{
		{0x200000, errFrameInUse},
		{0, errFrameInUse},
		{0x123, errFrameInUse},
		{0xa0000, errFrameInUse},
		{testImagePhys, errFrameInUse},
		{0x4100000, errFrameNotManaged},
	}

	for specIndex, spec := range specs {
		frame, err := alloc.AllocFrameAt(spec.addr)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
		if frame != mm.InvalidFrame {
			t.Errorf("[spec %d] expected InvalidFrame; got %d", specIndex, frame)
		}
	}
}

func TestFreeFrame(t *testing.T) {
	m := newTestMachine(t, 64*1024)
	alloc := m.boot(t)

	free := alloc.FreeFrames()

	frame, err := alloc.AllocFrame()
	require.Nil(t, err)
	require.Equal(t, free-1, alloc.FreeFrames())

	alloc.FreeFrame(frame.Address() + 0x10)
	assert.True(t, alloc.IsFree(frame.Address()))
	assert.Equal(t, free, alloc.FreeFrames())

	// releasing again, frame 0 or an unmanaged frame is a no-op
	alloc.FreeFrame(frame.Address())
	alloc.FreeFrame(0)
	alloc.FreeFrame(0x4100000)
	assert.Equal(t, free, alloc.FreeFrames())
	assert.False(t, alloc.IsFree(0))
}

func TestFreeFrameDebugOutput(t *testing.T) {
	var buf bytes.Buffer
	defer kfmt.SetOutputSink(kfmt.GetOutputSink())
	kfmt.SetOutputSink(&buf)

	m := newTestMachine(t, 1024)
	alloc := m.boot(t)
	alloc.Debug = true

	buf.Reset()
	alloc.FreeFrame(0)
	alloc.FreeFrame(0x2000)
	assert.Equal(t,
		"[pmm] ignoring release of unmanaged frame 0x0\n[pmm] ignoring release of free frame 0x2000\n",
		buf.String(),
	)
}

func TestUninitializedAllocator(t *testing.T) {
	var alloc BitmapAllocator

	frame, err := alloc.AllocFrame()
	assert.Equal(t, mm.InvalidFrame, frame)
	assert.Equal(t, errNotInitialized, err)

	_, err = alloc.AllocFrameAt(0x1000)
	assert.Equal(t, errNotInitialized, err)

	assert.False(t, alloc.IsFree(0x1000))
	assert.Zero(t, alloc.FreeFrames())
	assert.NotPanics(t, func() { alloc.FreeFrame(0x1000) })
}

func TestReentrantCallsAreRefused(t *testing.T) {
	m := newTestMachine(t, 1024)
	alloc := m.boot(t)

	var trapped []*kernel.Error
	m.guard.Trap = func(err *kernel.Error) { trapped = append(trapped, err) }

	free := alloc.FreeFrames()

	require.True(t, m.guard.Enter())
	frame, err := alloc.AllocFrame()
	assert.Equal(t, mm.InvalidFrame, frame)
	assert.Equal(t, errSectionBusy, err)

	_, err = alloc.AllocFrameAt(0x1000)
	assert.Equal(t, errSectionBusy, err)

	alloc.FreeFrame(0x100000)
	m.guard.Leave()

	assert.Len(t, trapped, 3)
	assert.Equal(t, free, alloc.FreeFrames())
	assert.True(t, alloc.IsFree(0x1000))
	assert.False(t, alloc.IsFree(0x100000))
}

func TestHeldFrames(t *testing.T) {
	m := newTestMachine(t, 1024)
	alloc := m.boot(t)
	held := alloc.Held()

	frame, err := held.AllocFrame()
	assert.Equal(t, mm.InvalidFrame, frame)
	assert.Equal(t, errSectionNotHeld, err)

	require.True(t, m.guard.Enter())
	frame, err = held.AllocFrame()
	require.Nil(t, err)
	assert.Equal(t, uintptr(0x1000), frame.Address())
	held.FreeFrame(frame.Address())
	m.guard.Leave()

	assert.True(t, alloc.IsFree(0x1000))

	// without holding the section FreeFrame is ignored
	frame, err = alloc.AllocFrame()
	require.Nil(t, err)
	held.FreeFrame(frame.Address())
	assert.False(t, alloc.IsFree(frame.Address()))
}

func TestSnapshot(t *testing.T) {
	m := newTestMachine(t, 1024)
	alloc := m.boot(t)

	snap := make([]byte, alloc.BitmapSize())
	require.Equal(t, len(snap), alloc.Snapshot(snap))

	// frame 0 reserved, frames 1-7 free
	assert.Equal(t, byte(0x01), snap[0])
	// frames 0xa0-0xff (bios) reserved
	for i := 0xa0 / 8; i < 0x100/8; i++ {
		assert.Equal(t, byte(0xff), snap[i], "byte %d", i)
	}
}
