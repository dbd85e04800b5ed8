package mm

import (
	"strconv"
	"strings"

	"amos/kernel"
	"amos/kernel/sync"
)

// Boot command line keys understood by ParseConfig.
const (
	CmdLineHeapBase  = "kheap.base"
	CmdLineHeapLimit = "kheap.limit"
	CmdLineReentry   = "mm.reentry"
	CmdLineDebug     = "mm.debug"
)

// DefaultHeapLimit is the maximum size the kernel heap may grow to unless
// overridden on the command line.
const DefaultHeapLimit = 256 * Mb

var (
	// defaultHeapBase is kept as a variable so that the conversion to
	// uintptr happens at run time.
	defaultHeapBase uint64 = 0xffffff0000000000

	errInvalidHeapBase    = &kernel.Error{Module: "mm", Message: "kheap.base must be a non-zero page-aligned hex address"}
	errInvalidHeapLimit   = &kernel.Error{Module: "mm", Message: "kheap.limit must be a size of at least one page"}
	errInvalidReentryMode = &kernel.Error{Module: "mm", Message: "mm.reentry must be one of refuse, panic or spin"}
	errInvalidDebugFlag   = &kernel.Error{Module: "mm", Message: "mm.debug must be a boolean"}
)

// Config holds the tunables of the memory subsystem.
type Config struct {
	// HeapBase is the virtual address where the kernel heap starts.
	HeapBase uintptr

	// HeapLimit caps the virtual extent of the kernel heap.
	HeapLimit Size

	// Reentry selects how the allocator critical section reacts to
	// reentrant entry attempts.
	Reentry sync.ReentryMode

	// Debug enables diagnostic output for conditions that are otherwise
	// handled silently.
	Debug bool
}

// DefaultConfig returns the configuration used when the boot command line
// does not override any setting.
func DefaultConfig() Config {
	return Config{
		HeapBase:  uintptr(defaultHeapBase),
		HeapLimit: DefaultHeapLimit,
		Reentry:   sync.ReentryRefuse,
	}
}

// ParseConfig builds a Config from the key/value pairs of the boot command
// line. Keys it does not know about are ignored.
func ParseConfig(cmdLine map[string]string) (Config, *kernel.Error) {
	cfg := DefaultConfig()

	if v, ok := cmdLine[CmdLineHeapBase]; ok {
		base, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 64)
		if err != nil || base == 0 || uintptr(base)&(PageSize-1) != 0 {
			return cfg, errInvalidHeapBase
		}
		cfg.HeapBase = uintptr(base)
	}

	if v, ok := cmdLine[CmdLineHeapLimit]; ok {
		limit, valid := ParseSize(v)
		if !valid || limit < Size(PageSize) {
			return cfg, errInvalidHeapLimit
		}
		cfg.HeapLimit = limit
	}

	if v, ok := cmdLine[CmdLineReentry]; ok {
		switch v {
		case "refuse":
			cfg.Reentry = sync.ReentryRefuse
		case "panic":
			cfg.Reentry = sync.ReentryPanic
		case "spin":
			cfg.Reentry = sync.ReentrySpin
		default:
			return cfg, errInvalidReentryMode
		}
	}

	if v, ok := cmdLine[CmdLineDebug]; ok {
		// A bare "mm.debug" flag is reported with its own name as value.
		switch v {
		case CmdLineDebug, "1", "true", "on":
			cfg.Debug = true
		case "0", "false", "off":
			cfg.Debug = false
		default:
			return cfg, errInvalidDebugFlag
		}
	}

	return cfg, nil
}

// ParseSize parses a decimal size with an optional K, M or G suffix.
func ParseSize(v string) (Size, bool) {
	unit := Byte
	if n := len(v); n > 0 {
		switch v[n-1] {
		case 'k', 'K':
			unit = Kb
		case 'm', 'M':
			unit = Mb
		case 'g', 'G':
			unit = Gb
		}
		if unit != Byte {
			v = v[:n-1]
		}
	}

	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n > uint64(^Size(0)/unit) {
		return 0, false
	}
	return Size(n) * unit, true
}
