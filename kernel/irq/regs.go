package irq

import "amos/kernel/kfmt"

// Regs holds the general purpose registers saved on interrupt entry.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
}

// Frame is the state the CPU pushes before entering an interrupt handler.
type Frame struct {
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// Context is the state handed to a Handler: the vector that fired, the error
// code pushed by the CPU (zero for vectors without one) and the interrupted
// register state. Handlers may modify Regs and Frame; the changes are
// propagated back to the interrupted code.
type Context struct {
	Vector    Vector
	ErrorCode uint64
	Regs      Regs
	Frame     Frame
}

type namedReg struct {
	name string
	val  uint64
}

// Print dumps the registers to the console, two per line.
func (r *Regs) Print() {
	printRegs(
		namedReg{"RAX", r.RAX}, namedReg{"RBX", r.RBX},
		namedReg{"RCX", r.RCX}, namedReg{"RDX", r.RDX},
		namedReg{"RSI", r.RSI}, namedReg{"RDI", r.RDI},
		namedReg{"RBP", r.RBP}, namedReg{"R8 ", r.R8},
		namedReg{"R9 ", r.R9}, namedReg{"R10", r.R10},
		namedReg{"R11", r.R11}, namedReg{"R12", r.R12},
		namedReg{"R13", r.R13}, namedReg{"R14", r.R14},
		namedReg{"R15", r.R15},
	)
}

// Print dumps the interrupt frame to the console.
func (f *Frame) Print() {
	printRegs(
		namedReg{"RIP", f.RIP}, namedReg{"CS ", f.CS},
		namedReg{"RSP", f.RSP}, namedReg{"SS ", f.SS},
		namedReg{"RFL", f.RFlags},
	)
}

func printRegs(regs ...namedReg) {
	for i, reg := range regs {
		sep := " "
		if i%2 == 1 || i == len(regs)-1 {
			sep = "\n"
		}
		kfmt.Printf("%s = %16x%s", reg.name, reg.val, sep)
	}
}
