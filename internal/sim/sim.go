// Package sim boots the kernel memory subsystem inside an ordinary process.
//
// Physical memory, the kernel image and the heap window are backed by
// arenas. The kernel image is placed at physical address 1M and the frame
// allocator bitmap follows it, exactly as on real hardware. Heap pages are
// recorded in a software page table; their contents live in the heap window
// arena rather than in the frames the page table points at.
//
// The subsystem keeps global state (boot information pointer, console sink,
// halt handler) so only one Machine may be booted at a time.
package sim

import (
	"fmt"
	"io"

	"amos/internal/arena"
	"amos/internal/mbinfo"
	"amos/kernel"
	"amos/kernel/cpu"
	"amos/kernel/hal/multiboot"
	"amos/kernel/irq"
	"amos/kernel/kfmt"
	"amos/kernel/kmain"
	"amos/kernel/mm"
	"amos/kernel/mm/pmm"
	"amos/kernel/mm/vmm"

	"github.com/pkg/errors"
)

const (
	// imagePhys is the physical load address of the kernel image.
	imagePhys = uintptr(0x100000)

	// lowerMemoryKiB is the conventional memory reported below 1M.
	lowerMemoryKiB = 639
)

var (
	// ErrHalted is returned by every Machine operation once the kernel
	// has halted the CPU, typically after a kernel panic.
	ErrHalted = errors.New("sim: kernel halted")

	errHeapWindowMoved  = errors.New("sim: the heap window cannot be moved from the command line")
	errInterruptsMasked = errors.New("sim: interrupts are disabled")
)

// PortWrite is a byte written to an I/O port.
type PortWrite struct {
	Port  uint16
	Value uint8
}

// Options describe the simulated machine.
type Options struct {
	// UpperMemoryKiB is the amount of memory above 1M. Defaults to 16M.
	UpperMemoryKiB uint32

	// ImageSize is the size of the kernel image. Defaults to 64K.
	ImageSize uintptr

	// HeapLimit is the size of the heap window. Defaults to 4M.
	HeapLimit mm.Size

	// CmdLine is appended to the generated boot command line. Entries
	// override the generated ones, except for the heap window location.
	CmdLine string

	// Debug enables the kernel diagnostics (mm.debug).
	Debug bool

	// Console receives the kernel output. Output is discarded if nil.
	Console io.Writer
}

func (o *Options) setDefaults() {
	if o.UpperMemoryKiB == 0 {
		o.UpperMemoryKiB = 16 * 1024
	}
	if o.ImageSize == 0 {
		o.ImageSize = 64 * 1024
	}
	if o.HeapLimit == 0 {
		o.HeapLimit = 4 * mm.Mb
	}
	if o.Console == nil {
		o.Console = io.Discard
	}
}

// Machine is a booted memory subsystem.
type Machine struct {
	// Memory is the booted subsystem.
	Memory *kmain.Memory

	opts Options

	ram    *arena.Arena
	info   *arena.Arena
	window *arena.Arena
	pages  vmm.SoftPageTable

	imageStart, imageEnd uintptr

	prevConsole io.Writer
	halted      bool
	irqCount    uint64

	// portWrites records the writes to the interrupt controllers.
	portWrites []PortWrite
}

// Boot reserves the machine memory, builds the boot information and boots
// the memory subsystem.
func Boot(opts Options) (*Machine, error) {
	opts.setDefaults()

	m := &Machine{
		Memory: new(kmain.Memory),
		opts:   opts,
	}

	// The frame bitmap is placed right after the image and both must fit
	// in physical memory.
	ramSize := uintptr(opts.UpperMemoryKiB)*1024 + imagePhys
	bitmapSize := pmm.BitmapBytes(opts.UpperMemoryKiB)
	if opts.ImageSize > ramSize-imagePhys || bitmapSize > ramSize-imagePhys-opts.ImageSize {
		return nil, errors.Errorf("sim: a %d byte kernel image and its %d byte frame bitmap do not fit in %dKb of upper memory",
			opts.ImageSize, bitmapSize, opts.UpperMemoryKiB)
	}

	var err error
	if m.ram, err = arena.New(ramSize); err != nil {
		return nil, errors.Wrap(err, "sim: reserve physical memory")
	}
	m.imageStart = m.ram.Base() + imagePhys
	m.imageEnd = m.imageStart + opts.ImageSize

	if m.info, err = arena.New(mm.PageSize); err != nil {
		_ = m.release()
		return nil, errors.Wrap(err, "sim: reserve boot information")
	}
	if m.window, err = arena.New(uintptr(opts.HeapLimit)); err != nil {
		_ = m.release()
		return nil, errors.Wrap(err, "sim: reserve heap window")
	}

	infoPtr, err := m.bootInfo().Install(m.info)
	if err != nil {
		_ = m.release()
		return nil, err
	}

	m.prevConsole = kfmt.GetOutputSink()
	kfmt.SetOutputSink(opts.Console)
	cpu.SetHaltHandler(func() { panic(ErrHalted) })
	cpu.SetPortBus(m)

	var kerr *kernel.Error
	err = m.call(func() {
		kerr = m.Memory.Boot(infoPtr, m.imageStart, m.imageEnd, m.ram.Base(), &m.pages)
	})
	switch {
	case err != nil:
		_ = m.Close()
		return nil, err
	case kerr != nil:
		_ = m.Close()
		return nil, errors.Wrap(kerr, "sim: boot")
	case m.Memory.Config.HeapBase != m.window.Base() || uintptr(m.Memory.Config.HeapLimit) > m.window.Size():
		_ = m.Close()
		return nil, errHeapWindowMoved
	}

	return m, nil
}

// bootInfo describes the machine to the kernel.
func (m *Machine) bootInfo() *mbinfo.Builder {
	cmdLine := fmt.Sprintf("%s=0x%x %s=%d", mm.CmdLineHeapBase, m.window.Base(), mm.CmdLineHeapLimit, m.window.Size())
	if m.opts.Debug {
		cmdLine += " " + mm.CmdLineDebug
	}
	if m.opts.CmdLine != "" {
		cmdLine += " " + m.opts.CmdLine
	}

	return new(mbinfo.Builder).
		MemoryInfo(lowerMemoryKiB, m.opts.UpperMemoryKiB).
		CmdLine(cmdLine).
		MemoryMap(
			mbinfo.Region{Base: 0, Length: lowerMemoryKiB * 1024, Type: mbinfo.Available},
			mbinfo.Region{Base: lowerMemoryKiB * 1024, Length: 0xa0000 - lowerMemoryKiB*1024, Type: mbinfo.Reserved},
			mbinfo.Region{Base: 0xf0000, Length: 0x10000, Type: mbinfo.Reserved},
			mbinfo.Region{Base: uint64(imagePhys), Length: uint64(m.opts.UpperMemoryKiB) * 1024, Type: mbinfo.Available},
		)
}

// call runs fn and converts a CPU halt into ErrHalted.
func (m *Machine) call(fn func()) (err error) {
	if m.halted {
		return ErrHalted
	}

	defer func() {
		if r := recover(); r != nil {
			if r != ErrHalted {
				panic(r)
			}
			m.halted = true
			err = ErrHalted
		}
	}()

	fn()
	return nil
}

// Options returns the options the machine was booted with.
func (m *Machine) Options() Options { return m.opts }

// Halted reports whether the kernel has halted the CPU.
func (m *Machine) Halted() bool { return m.halted }

// Pages returns the page table the heap maps its pages into.
func (m *Machine) Pages() *vmm.SoftPageTable { return &m.pages }

// KernelImage returns the physical address range of the kernel image.
func (m *Machine) KernelImage() (start, end uintptr) {
	return imagePhys, imagePhys + m.opts.ImageSize
}

// VisitMemRegions invokes visitor for every region of the boot memory map.
func (m *Machine) VisitMemRegions(visitor multiboot.MemRegionVisitor) {
	multiboot.VisitMemRegions(visitor)
}

// Alloc allocates size bytes from the kernel heap.
func (m *Machine) Alloc(size uintptr) (uintptr, error) {
	var (
		ptr  uintptr
		kerr *kernel.Error
	)
	if err := m.call(func() { ptr, kerr = m.Memory.Heap.Alloc(size) }); err != nil {
		return 0, err
	}
	if kerr != nil {
		return 0, errors.Wrapf(kerr, "alloc %d bytes", size)
	}
	return ptr, nil
}

// Free releases a heap allocation.
func (m *Machine) Free(ptr uintptr) error {
	return m.call(func() { m.Memory.Heap.Free(ptr) })
}

// Payload returns the n bytes of heap memory starting at ptr. It returns nil
// if the range lies outside the heap window or touches an unmapped page.
func (m *Machine) Payload(ptr, n uintptr) []byte {
	if !m.window.Contains(ptr) || n > m.window.End()-ptr {
		return nil
	}

	for page := mm.AlignDown(ptr); page < ptr+n; page += mm.PageSize {
		if _, err := m.pages.Translate(page); err != nil {
			return nil
		}
	}

	off := ptr - m.window.Base()
	return m.window.Bytes()[off : off+n]
}

// AllocFrame reserves a physical frame and returns its address.
func (m *Machine) AllocFrame() (uintptr, error) {
	var (
		frame mm.Frame
		kerr  *kernel.Error
	)
	if err := m.call(func() { frame, kerr = m.Memory.Frames.AllocFrame() }); err != nil {
		return 0, err
	}
	if kerr != nil {
		return 0, errors.Wrap(kerr, "alloc frame")
	}
	return frame.Address(), nil
}

// FreeFrame releases the frame at physAddr.
func (m *Machine) FreeFrame(physAddr uintptr) error {
	return m.call(func() { m.Memory.Frames.FreeFrame(physAddr) })
}

// RaiseIRQ delivers an interrupt and returns the handler result. Delivery
// fails while the kernel has interrupts disabled.
func (m *Machine) RaiseIRQ(vector irq.Vector) (uintptr, error) {
	if !m.halted && !cpu.InterruptsEnabled() {
		return 0, errInterruptsMasked
	}

	var ret uintptr
	err := m.call(func() {
		m.irqCount++
		ret = m.Memory.IRQ.Dispatch(&irq.Context{Vector: vector})
	})
	return ret, err
}

// InjectIRQOnMap arranges for vector to be raised while the next heap page
// is being mapped, i.e. while the allocator critical section is held. The
// interrupt is delivered even though the section has masked interrupts.
func (m *Machine) InjectIRQOnMap(vector irq.Vector) {
	m.pages.OnMap = func(mm.Page, mm.Frame) {
		m.pages.OnMap = nil
		m.irqCount++
		m.Memory.IRQ.Dispatch(&irq.Context{Vector: vector})
	}
}

// IRQCount returns the number of interrupts delivered so far.
func (m *Machine) IRQCount() uint64 { return m.irqCount }

// WriteByte records a port write. The machine is installed as the CPU port
// bus while it is booted.
func (m *Machine) WriteByte(port uint16, val uint8) {
	m.portWrites = append(m.portWrites, PortWrite{Port: port, Value: val})
}

// PortWrites returns the port writes issued by the kernel so far.
func (m *Machine) PortWrites() []PortWrite {
	return append([]PortWrite(nil), m.portWrites...)
}

// Close shuts the machine down and releases its memory.
func (m *Machine) Close() error {
	kfmt.SetOutputSink(m.prevConsole)
	cpu.SetHaltHandler(nil)
	cpu.SetPortBus(nil)
	cpu.DisableInterrupts()
	multiboot.SetInfoPtr(0)
	return m.release()
}

func (m *Machine) release() error {
	var first error
	for _, a := range []*arena.Arena{m.window, m.info, m.ram} {
		if a == nil {
			continue
		}
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.window, m.info, m.ram = nil, nil, nil
	return first
}
