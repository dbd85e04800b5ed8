// Package arena provides page-aligned memory regions that live outside the Go
// heap. They stand in for physical memory and for virtual address ranges when
// the kernel memory subsystem runs as an ordinary process.
package arena

import (
	"unsafe"

	"amos/kernel/mm"

	"github.com/pkg/errors"
)

// Arena is a page-aligned, zero-filled memory region.
type Arena struct {
	mem  []byte
	base uintptr

	// backing is the allocation that mem was carved from.
	backing []byte
}

// New reserves size bytes, rounded up to a page multiple.
func New(size uintptr) (*Arena, error) {
	if size == 0 {
		return nil, errors.New("arena: zero size")
	}

	size = mm.AlignUp(size)
	backing, err := reserve(size)
	if err != nil {
		return nil, errors.Wrapf(err, "arena: reserve %d bytes", size)
	}

	base := uintptr(unsafe.Pointer(&backing[0]))
	offset := mm.AlignUp(base) - base

	return &Arena{
		mem:     backing[offset : offset+size],
		base:    base + offset,
		backing: backing,
	}, nil
}

// Base returns the address of the first byte of the arena.
func (a *Arena) Base() uintptr { return a.base }

// End returns the address following the last byte of the arena.
func (a *Arena) End() uintptr { return a.base + uintptr(len(a.mem)) }

// Size returns the arena size in bytes.
func (a *Arena) Size() uintptr { return uintptr(len(a.mem)) }

// Bytes returns the arena contents.
func (a *Arena) Bytes() []byte { return a.mem }

// Contains reports whether addr lies inside the arena.
func (a *Arena) Contains(addr uintptr) bool {
	return addr >= a.base && addr < a.End()
}

// Close releases the arena. The arena must not be accessed afterwards.
func (a *Arena) Close() error {
	if a.backing == nil {
		return nil
	}

	err := release(a.backing)
	a.mem, a.backing = nil, nil
	return errors.Wrap(err, "arena: release")
}
