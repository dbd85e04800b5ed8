package mm

// Size is a byte count used for configured memory amounts.
type Size uint64

const (
	Byte Size = 1 << (10 * iota)
	Kb
	Mb
	Gb
)

// Pages rounds s up to whole pages.
func (s Size) Pages() uint64 {
	return (uint64(s) + uint64(PageSize-1)) >> PageShift
}
