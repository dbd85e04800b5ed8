package kmain

import (
	"amos/kernel"
	"amos/kernel/cpu"
	"amos/kernel/hal/multiboot"
	"amos/kernel/irq"
	"amos/kernel/kfmt"
	"amos/kernel/mm"
	"amos/kernel/mm/kheap"
	"amos/kernel/mm/pmm"
	"amos/kernel/mm/vmm"
	"amos/kernel/sync"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errNoMemoryInfo  = &kernel.Error{Module: "kmain", Message: "boot loader did not report the amount of upper memory"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	kernelMemory Memory
)

// Memory owns the state of the memory subsystem: the critical section that
// serializes it, the physical frame allocator, the kernel heap and the
// interrupt table whose handlers may call into both allocators.
type Memory struct {
	Guard  sync.CriticalSection
	Frames pmm.BitmapAllocator
	Heap   kheap.Allocator
	IRQ    irq.Table

	// Config is the configuration parsed from the boot command line.
	Config mm.Config
}

// Boot initializes the memory subsystem from the multiboot information at
// multibootInfoPtr. kernelStart and kernelEnd are the virtual addresses of
// the kernel image and kernelVirtOffset the difference between its virtual
// and physical addresses. Heap pages are mapped through mapper.
//
// Interrupts stay disabled until the interrupt table is ready.
func (m *Memory) Boot(multibootInfoPtr, kernelStart, kernelEnd, kernelVirtOffset uintptr, mapper vmm.Mapper) *kernel.Error {
	cpu.DisableInterrupts()
	multiboot.SetInfoPtr(multibootInfoPtr)

	_, upperKiB, ok := multiboot.MemoryInfo()
	if !ok {
		return errNoMemoryInfo
	}

	cfg, err := mm.ParseConfig(multiboot.GetBootCmdLine())
	if err != nil {
		return err
	}
	m.Config = cfg

	m.Guard.Mode = cfg.Reentry
	m.Guard.Trap = m.reentryTrap

	if cfg.Debug {
		printMemoryRegions()
	}

	m.Frames.Debug = cfg.Debug
	if err = m.Frames.Init(pmm.BootInfo{
		UpperMemoryKiB:   upperKiB,
		KernelStart:      kernelStart,
		KernelEnd:        kernelEnd,
		KernelVirtOffset: kernelVirtOffset,
	}, &m.Guard); err != nil {
		return err
	}

	// The heap grows while holding the section so it must use the frame
	// allocator view that expects the section to be held.
	if err = m.Heap.Init(cfg, m.Frames.Held(), mapper, &m.Guard); err != nil {
		return err
	}

	m.IRQ.Init()
	cpu.EnableInterrupts()
	return nil
}

// reentryTrap is invoked when code running inside the critical section (an
// interrupt handler, typically) tries to call back into an allocator.
func (m *Memory) reentryTrap(err *kernel.Error) {
	if m.Config.Debug {
		kfmt.Printf("[kmain] %s\n", err.Message)
	}

	if m.Config.Reentry == sync.ReentryPanic {
		panicFn(err)
	}
}

func printMemoryRegions() {
	kfmt.Printf("[kmain] boot loader memory map:\n")
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n",
			region.PhysAddress,
			region.PhysAddress+region.Length,
			region.Length,
			region.Type.String(),
		)
		return true
	})
}

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function is invoked by the rt0 assembly code
// after setting up the GDT and setting up a a minimal g0 struct that allows Go
// code using the 4K stack allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by
// the bootloader, the virtual addresses of the kernel image start/end, the
// offset that maps them to physical addresses and the page mapper.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd, kernelVirtOffset uintptr, mapper vmm.Mapper) {
	if err := kernelMemory.Boot(multibootInfoPtr, kernelStart, kernelEnd, kernelVirtOffset, mapper); err != nil {
		panicFn(err)
		return
	}

	kfmt.Printf("[kmain] memory subsystem ready: %d/%d frames free\n",
		kernelMemory.Frames.FreeFrames(), kernelMemory.Frames.TotalFrames())

	// Use panicFn instead of panic to prevent the compiler from treating
	// kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}
