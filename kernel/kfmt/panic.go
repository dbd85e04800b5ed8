package kfmt

import (
	"amos/kernel"
	"amos/kernel/cpu"
)

const panicRule = "\n-----------------------------------\n"

// cpuHaltFn is mocked by tests.
var cpuHaltFn = cpu.Halt

// Panic reports e on the console and halts the CPU. e may be a
// *kernel.Error, an error or a string; anything else is reported without a
// message.
func Panic(e interface{}) {
	module, msg := "rt", ""

	switch t := e.(type) {
	case *kernel.Error:
		if t != nil {
			module, msg = t.Module, t.Message
		}
	case string:
		msg = t
	case error:
		msg = t.Error()
	}

	Printf(panicRule)
	if msg != "" {
		Printf("[%s] unrecoverable error: %s\n", module, msg)
	}
	Printf("*** kernel panic: system halted ***%s", panicRule)

	cpuHaltFn()
}
