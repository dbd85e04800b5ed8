// Package cpu exposes the handful of processor operations the memory and
// interrupt subsystems depend on. The kernel links an arch-specific
// implementation; this package provides the hosted one used when the
// subsystem runs as an ordinary process (simulator, tests).
package cpu

import "sync/atomic"

// PortBus receives the values written with PortWriteByte.
type PortBus interface {
	WriteByte(port uint16, val uint8)
}

var (
	interruptsEnabled atomic.Bool

	// haltHandler is invoked by Halt. A halted CPU never resumes, so the
	// default blocks the calling goroutine forever.
	haltHandler = func() { select {} }

	portBus PortBus
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() { interruptsEnabled.Store(true) }

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() { interruptsEnabled.Store(false) }

// InterruptsEnabled reports whether interrupt delivery is enabled.
func InterruptsEnabled() bool { return interruptsEnabled.Load() }

// Halt stops instruction execution.
func Halt() { haltHandler() }

// SetHaltHandler replaces the function invoked by Halt. Passing nil restores
// the default behavior.
func SetHaltHandler(fn func()) {
	if fn == nil {
		fn = func() { select {} }
	}
	haltHandler = fn
}

// SetPortBus installs the device bus that receives port writes. Writes are
// discarded while no bus is installed.
func SetPortBus(bus PortBus) { portBus = bus }

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8) {
	if portBus != nil {
		portBus.WriteByte(port, val)
	}
}
