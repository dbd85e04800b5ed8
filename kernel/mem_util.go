package kernel

import "unsafe"

func rawBytes(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// Memset fills size bytes starting at addr with value. The filled region is
// copied onto itself, doubling on each pass.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	dst := rawBytes(addr, size)
	dst[0] = value
	for n := uintptr(1); n < size; n <<= 1 {
		copy(dst[n:], dst[:n])
	}
}
