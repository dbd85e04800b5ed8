// Package mbinfo assembles the multiboot2 boot information structure that a
// boot loader would hand to the kernel. It is used to boot the memory
// subsystem inside an ordinary process.
package mbinfo

import (
	"encoding/binary"

	"amos/internal/arena"

	"github.com/pkg/errors"
)

const (
	tagEnd         = 0
	tagCmdLine     = 1
	tagBasicMemory = 4
	tagMemoryMap   = 6

	mmapEntrySize = 24
)

// Region types understood by the kernel.
const (
	Available = uint32(1)
	Reserved  = uint32(2)
)

// Region is a memory map entry.
type Region struct {
	Base   uint64
	Length uint64
	Type   uint32
}

// Builder accumulates tags. The zero value is ready to use.
type Builder struct {
	tags []byte
}

// MemoryInfo appends a basic memory information tag.
func (b *Builder) MemoryInfo(lowerKiB, upperKiB uint32) *Builder {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:], lowerKiB)
	binary.LittleEndian.PutUint32(payload[4:], upperKiB)
	return b.tag(tagBasicMemory, payload)
}

// CmdLine appends a boot command line tag.
func (b *Builder) CmdLine(cmdLine string) *Builder {
	return b.tag(tagCmdLine, append([]byte(cmdLine), 0))
}

// MemoryMap appends a memory map tag listing regions.
func (b *Builder) MemoryMap(regions ...Region) *Builder {
	payload := make([]byte, 8+mmapEntrySize*len(regions))
	binary.LittleEndian.PutUint32(payload[0:], mmapEntrySize)
	for i, r := range regions {
		entry := payload[8+i*mmapEntrySize:]
		binary.LittleEndian.PutUint64(entry[0:], r.Base)
		binary.LittleEndian.PutUint64(entry[8:], r.Length)
		binary.LittleEndian.PutUint32(entry[16:], r.Type)
	}
	return b.tag(tagMemoryMap, payload)
}

func (b *Builder) tag(typ uint32, payload []byte) *Builder {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], typ)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(hdr)+len(payload)))

	b.tags = append(b.tags, hdr[:]...)
	b.tags = append(b.tags, payload...)

	// tags start at 8-byte aligned offsets
	for len(b.tags)%8 != 0 {
		b.tags = append(b.tags, 0)
	}
	return b
}

// Bytes returns the encoded information structure including the fixed
// header and the terminating tag.
func (b *Builder) Bytes() []byte {
	size := 8 + len(b.tags) + 8
	out := make([]byte, 8, size)
	binary.LittleEndian.PutUint32(out[0:], uint32(size))
	out = append(out, b.tags...)
	return binary.LittleEndian.AppendUint32(binary.LittleEndian.AppendUint32(out, tagEnd), 8)
}

// Install copies the encoded structure to the start of a and returns its
// address.
func (b *Builder) Install(a *arena.Arena) (uintptr, error) {
	data := b.Bytes()
	if uintptr(len(data)) > a.Size() {
		return 0, errors.Errorf("mbinfo: %d byte info does not fit in a %d byte arena", len(data), a.Size())
	}

	copy(a.Bytes(), data)
	return a.Base(), nil
}
