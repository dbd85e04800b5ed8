//go:build unix

package arena

import "golang.org/x/sys/unix"

// reserve maps anonymous private memory. Mappings are page aligned and are
// not scanned or moved by the Go runtime.
func reserve(size uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func release(mem []byte) error {
	return unix.Munmap(mem)
}
