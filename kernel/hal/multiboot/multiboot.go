// Package multiboot reads the boot information structure that a multiboot2
// compliant boot loader hands to the kernel.
package multiboot

import (
	"strings"
	"unsafe"
)

type tagType uint32

// Tag types this package understands.
const (
	tagEnd         tagType = 0
	tagBootCmdLine tagType = 1
	tagBasicMemory tagType = 4
	tagMemoryMap   tagType = 6
)

const (
	infoHeaderSize    = 8
	tagHeaderSize     = 8
	mmapHeaderSize    = 8
	basicMemoryLength = 8
)

// tagHeader starts every tag. size covers the header and the payload but not
// the padding that aligns the next tag to 8 bytes.
type tagHeader struct {
	typ  tagType
	size uint32
}

type mmapHeader struct {
	entrySize    uint32
	entryVersion uint32
}

type basicMemory struct {
	lowerKiB uint32
	upperKiB uint32
}

// MemoryEntryType classifies a memory map region.
type MemoryEntryType uint32

// Region types. Values the loader reports outside this range are treated
// as MemReserved.
const (
	MemAvailable MemoryEntryType = iota + 1
	MemReserved
	MemAcpiReclaimable
	MemNvs

	memUnknown
)

func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry is one region of the boot memory map.
type MemoryMapEntry struct {
	PhysAddress uint64
	Length      uint64
	Type        MemoryEntryType
}

// MemRegionVisitor is invoked by VisitMemRegions for each region; returning
// false stops the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

var (
	infoData uintptr

	// parsed command line of infoData, built on first use
	cmdLineKV map[string]string
)

// SetInfoPtr points the package at the boot information structure. It must
// be called before any other function of this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
	cmdLineKV = nil
}

// MemoryInfo returns the lower (below 1M) and upper (above 1M) memory sizes
// in KiB. ok is false when the loader did not provide them.
func MemoryInfo() (lowerKiB, upperKiB uint32, ok bool) {
	payload, size := findTagByType(tagBasicMemory)
	if size < basicMemoryLength {
		return 0, 0, false
	}

	info := (*basicMemory)(unsafe.Pointer(payload))
	return info.lowerKiB, info.upperKiB, true
}

// VisitMemRegions walks the boot memory map.
func VisitMemRegions(visitor MemRegionVisitor) {
	payload, size := findTagByType(tagMemoryMap)
	if size < mmapHeaderSize {
		return
	}

	stride := uintptr((*mmapHeader)(unsafe.Pointer(payload)).entrySize)
	if stride == 0 {
		return
	}

	end := payload + uintptr(size)
	for ptr := payload + mmapHeaderSize; ptr+stride <= end; ptr += stride {
		entry := (*MemoryMapEntry)(unsafe.Pointer(ptr))
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}
	}
}

// GetBootCmdLine returns the key=value pairs of the kernel command line. A
// bare flag such as "mm.debug" maps to itself.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)

	payload, size := findTagByType(tagBootCmdLine)
	if size <= 1 {
		return cmdLineKV
	}

	// drop the NUL terminator
	raw := unsafe.Slice((*byte)(unsafe.Pointer(payload)), size-1)
	for _, field := range strings.Fields(string(raw)) {
		if key, value, found := strings.Cut(field, "="); found {
			cmdLineKV[key] = value
		} else {
			cmdLineKV[field] = field
		}
	}

	return cmdLineKV
}

// findTagByType returns the payload address and length of the first tag of
// type typ, or (0, 0) if there is none. A tag whose size is smaller than its
// header ends the scan.
func findTagByType(typ tagType) (uintptr, uint32) {
	if infoData == 0 {
		return 0, 0
	}

	for ptr := infoData + infoHeaderSize; ; {
		hdr := (*tagHeader)(unsafe.Pointer(ptr))
		if hdr.typ == tagEnd || hdr.size < tagHeaderSize {
			return 0, 0
		}

		if hdr.typ == typ {
			return ptr + tagHeaderSize, hdr.size - tagHeaderSize
		}

		ptr += (uintptr(hdr.size) + 7) &^ 7
	}
}
