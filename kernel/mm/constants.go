package mm

// Frames and pages share one 4K granularity.
const (
	PageShift = uintptr(12)
	PageSize  = uintptr(1) << PageShift
)
