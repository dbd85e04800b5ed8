package vmm

import (
	"amos/kernel"
	"amos/kernel/mm"
)

// SoftPageTable is a single-level page table kept in ordinary memory. It
// records mappings without any MMU involvement and is used as the paging
// service when the memory subsystem runs as a hosted process.
type SoftPageTable struct {
	entries map[mm.Page]pageTableEntry

	// OnMap, if set, is invoked after a mapping has been installed.
	OnMap func(page mm.Page, frame mm.Frame)
}

// Map installs a mapping for page. Remapping a present page is an error.
func (pt *SoftPageTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if !frame.Valid() {
		return errMapInvalidFrame
	}

	if pte, ok := pt.entries[page]; ok && pte.HasFlags(FlagPresent) {
		return errPageAlreadyMapped
	}

	if pt.entries == nil {
		pt.entries = make(map[mm.Page]pageTableEntry)
	}

	var pte pageTableEntry
	pte.SetFrame(frame)
	pte.SetFlags(flags)
	pt.entries[page] = pte

	if pt.OnMap != nil {
		pt.OnMap(page, frame)
	}
	return nil
}

// Lookup returns the frame and flags for a present page.
func (pt *SoftPageTable) Lookup(page mm.Page) (mm.Frame, PageTableEntryFlag, bool) {
	pte, ok := pt.entries[page]
	if !ok || !pte.HasFlags(FlagPresent) {
		return mm.InvalidFrame, 0, false
	}
	return pte.Frame(), pte.Flags(), true
}

// Translate returns the physical address that corresponds to virtAddr.
func (pt *SoftPageTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	frame, _, ok := pt.Lookup(mm.PageFromAddress(virtAddr))
	if !ok {
		return 0, ErrInvalidMapping
	}
	return frame.Address() + PageOffset(virtAddr), nil
}

// MappedPages returns the number of present mappings.
func (pt *SoftPageTable) MappedPages() int {
	count := 0
	for _, pte := range pt.entries {
		if pte.HasFlags(FlagPresent) {
			count++
		}
	}
	return count
}
