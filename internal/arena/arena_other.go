//go:build !unix

package arena

import "amos/kernel/mm"

// reserve falls back to the Go heap with an extra page so that New can align
// the region.
func reserve(size uintptr) ([]byte, error) {
	return make([]byte, size+mm.PageSize), nil
}

func release(_ []byte) error {
	return nil
}
