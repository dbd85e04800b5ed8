package main

import (
	"amos/kernel/kmain"
	"amos/kernel/mm/vmm"
)

var (
	multibootInfoPtr uintptr
	kernelStart      uintptr
	kernelEnd        uintptr
	kernelVirtOffset uintptr
	pageMapper       vmm.Mapper
)

// main is the hosted link target for the kernel image. The boot trampoline
// fills in the globals before jumping here; passing them through package
// variables keeps the linker from pruning Kmain.
func main() {
	kmain.Kmain(multibootInfoPtr, kernelStart, kernelEnd, kernelVirtOffset, pageMapper)
}
