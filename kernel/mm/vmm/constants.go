package vmm

import "amos/kernel/mm"

// Entries keep the frame address in the bits above PageShift and flags below.
const ptePhysPageMask = ^(mm.PageSize - 1)

// Page table entry flags. The bit positions follow the x86 paging structures.
const (
	// FlagPresent marks a valid mapping.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW allows writes through the mapping.
	FlagRW

	// FlagUserAccessible exposes the page to user mode.
	FlagUserAccessible

	FlagWriteThroughCaching
	FlagDoNotCache

	// FlagAccessed and FlagDirty are maintained by the MMU.
	FlagAccessed
	FlagDirty

	FlagHugePage

	// FlagGlobal keeps the translation cached across address space switches.
	FlagGlobal
)
