// Package irq manages the interrupt vector table: the 32 processor exceptions
// and the 16 hardware IRQ lines of the two cascaded 8259 PICs.
package irq

import (
	"amos/kernel"
	"amos/kernel/cpu"
	"amos/kernel/kfmt"
)

// Vector identifies an entry in the interrupt table.
type Vector uint8

const (
	// DoubleFault occurs when an exception is unhandled or when an
	// exception occurs while the CPU is trying to call an exception
	// handler.
	DoubleFault = Vector(8)

	// GPFException is raised when a general protection fault occurs.
	GPFException = Vector(13)

	// PageFaultException is raised when a PDT or PDT-entry is not present
	// or when a privilege and/or RW protection check fails.
	PageFaultException = Vector(14)

	// LastException is the highest vector reserved for processor
	// exceptions.
	LastException = Vector(31)

	// IRQ0 is the vector that hardware IRQ line 0 is remapped to. Lines 0-7
	// are served by the master PIC and lines 8-15 by the slave.
	IRQ0 = Vector(32)

	// IRQ8 is the vector of the first line served by the slave PIC.
	IRQ8 = Vector(40)

	// IRQ15 is the vector of the last hardware IRQ line.
	IRQ15 = Vector(47)

	// NumVectors is the number of entries in the interrupt table.
	NumVectors = 48
)

const (
	picMasterCmd  = uint16(0x20)
	picMasterData = uint16(0x21)
	picSlaveCmd   = uint16(0xA0)
	picSlaveData  = uint16(0xA1)

	picInit = uint8(0x11)
	picEOI  = uint8(0x20)
)

var (
	// The following functions are mocked by tests.
	portWriteByteFn = cpu.PortWriteByte
	panicFn         = kfmt.Panic

	errUnhandledException = &kernel.Error{Module: "irq", Message: "unhandled exception"}

	exceptionNames = [LastException + 1]string{
		"Divide By Zero",
		"Debug",
		"Non Maskable Interrupt",
		"Breakpoint",
		"Into Detected Overflow",
		"Out of Bounds",
		"Invalid Opcode",
		"No Coprocessor",
		"Double Fault",
		"Coprocessor Segment Overrun",
		"Bad TSS",
		"Segment Not Present",
		"Stack Fault",
		"General Protection Fault",
		"Page Fault",
		"Unknown Interrupt",
		"Coprocessor Fault",
		"Alignment Check",
		"Machine Check",
	}
)

// Handler services an interrupt. Its return value is handed back to the
// low-level entry code unchanged.
type Handler func(ctx *Context) uintptr

// Table holds the handler and the enabled state of every vector. A Table is
// not safe for concurrent modification; handlers are installed during boot
// with interrupts disabled.
type Table struct {
	handlers [NumVectors]Handler
	enabled  [NumVectors]bool
}

// Init clears all handlers, remaps the PICs so that IRQ0-15 are delivered to
// vectors 32-47, enables the processor exceptions and disables all hardware
// IRQs.
func (t *Table) Init() {
	for v := range t.handlers {
		t.handlers[v] = nil
		t.enabled[v] = false
	}

	remapPIC()

	for v := Vector(0); v <= LastException; v++ {
		t.Enable(v, nil)
	}
	for v := IRQ0; v <= IRQ15; v++ {
		t.Disable(v)
	}
}

// remapPIC moves the PIC vectors out of the range used by processor
// exceptions and unmasks all lines.
func remapPIC() {
	portWriteByteFn(picMasterCmd, picInit)
	portWriteByteFn(picSlaveCmd, picInit)

	// vector offsets
	portWriteByteFn(picMasterData, uint8(IRQ0))
	portWriteByteFn(picSlaveData, uint8(IRQ8))

	// cascade wiring: slave on master line 2
	portWriteByteFn(picMasterData, 0x04)
	portWriteByteFn(picSlaveData, 0x02)

	// 8086 mode
	portWriteByteFn(picMasterData, 0x01)
	portWriteByteFn(picSlaveData, 0x01)

	portWriteByteFn(picMasterData, 0x00)
	portWriteByteFn(picSlaveData, 0x00)
}

// SetHandler installs handler for vector without changing whether the vector
// is enabled. It returns false if vector is out of range.
func (t *Table) SetHandler(vector Vector, handler Handler) bool {
	if int(vector) >= NumVectors {
		return false
	}

	t.handlers[vector] = handler
	return true
}

// Enable enables vector and, if handler is not nil, installs it. It returns
// false if vector is out of range.
func (t *Table) Enable(vector Vector, handler Handler) bool {
	if int(vector) >= NumVectors {
		return false
	}

	t.enabled[vector] = true
	if handler != nil {
		t.handlers[vector] = handler
	}
	return true
}

// Disable stops delivering vector to its handler. A raised IRQ on a disabled
// line is still acknowledged. It returns false if vector is out of range.
func (t *Table) Disable(vector Vector) bool {
	if int(vector) >= NumVectors {
		return false
	}

	t.enabled[vector] = false
	return true
}

// Enabled reports whether vector is delivered to its handler.
func (t *Table) Enabled(vector Vector) bool {
	return int(vector) < NumVectors && t.enabled[vector]
}

// Dispatch routes an interrupt to the handler registered for ctx.Vector and
// returns its result. An enabled exception without a handler is fatal.
// Hardware IRQs are acknowledged on the PIC that raised them after the
// handler returns.
func (t *Table) Dispatch(ctx *Context) uintptr {
	if int(ctx.Vector) >= NumVectors {
		return 0
	}

	var ret uintptr
	if t.enabled[ctx.Vector] {
		if handler := t.handlers[ctx.Vector]; handler != nil {
			ret = handler(ctx)
		} else if ctx.Vector <= LastException {
			reportException(ctx)
		}
	}

	switch {
	case ctx.Vector >= IRQ8:
		portWriteByteFn(picSlaveCmd, picEOI)
	case ctx.Vector >= IRQ0:
		portWriteByteFn(picMasterCmd, picEOI)
	}

	return ret
}

func reportException(ctx *Context) {
	name := exceptionNames[ctx.Vector]
	if name == "" {
		name = "Reserved"
	}

	kfmt.Printf("\n%s (error code: %x)\n", name, ctx.ErrorCode)
	ctx.Frame.Print()
	ctx.Regs.Print()
	panicFn(errUnhandledException)
}
