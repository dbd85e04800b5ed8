// Package vmm defines the interface between the memory subsystem and the
// paging service that installs virtual to physical mappings, together with a
// software page table used when the subsystem runs hosted.
package vmm

import (
	"amos/kernel"
	"amos/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errPageAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped"}
	errMapInvalidFrame   = &kernel.Error{Module: "vmm", Message: "cannot map an invalid frame"}
)

// Mapper establishes a mapping between a virtual page and a physical frame.
type Mapper interface {
	Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error
}

// MapperFunc adapts a function to the Mapper interface.
type MapperFunc func(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error

// Map calls fn(page, frame, flags).
func (fn MapperFunc) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return fn(page, frame, flags)
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}
