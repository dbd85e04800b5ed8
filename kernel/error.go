package kernel

// Error is the error type returned by the memory subsystem. Errors are
// package-level *Error values compared by identity, so reporting one never
// allocates.
type Error struct {
	// Module names the subsystem that raised the error.
	Module string

	// Message describes what went wrong.
	Message string
}

// Error implements the error interface. Unlike the rest of the package it
// allocates, so kernel code prints Module and Message directly.
func (e *Error) Error() string {
	if e.Module == "" {
		return e.Message
	}
	return e.Module + ": " + e.Message
}
