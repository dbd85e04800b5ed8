package sim

import (
	"math/rand"

	"amos/kernel/irq"
	"amos/kernel/kfmt"
	"amos/kernel/mm"
	"amos/kernel/mm/kheap"
	"amos/kernel/sync"

	"github.com/pkg/errors"
)

var errSpinReentry = errors.New("sim: interrupts that allocate during heap growth deadlock in spin mode")

// Workload describes a seeded random mix of heap and frame operations.
type Workload struct {
	Seed int64

	// Ops is the number of operations to perform. Defaults to 1000.
	Ops int

	// MaxSize bounds the size of heap allocations. Defaults to 2048.
	MaxSize uintptr

	// FreeRatio is the probability that an operation releases a live heap
	// allocation.
	FreeRatio float64

	// FrameRatio is the probability that an operation allocates or
	// releases a physical frame.
	FrameRatio float64

	// IRQOnGrowth raises a timer interrupt whose handler allocates from the
	// heap every time the heap maps a new page.
	IRQOnGrowth bool

	// Drain releases every live allocation and frame once all operations
	// have run.
	Drain bool
}

// DefaultWorkload returns a workload that mostly allocates, releases about
// half as often and touches frames one operation in ten. A zero ratio in a
// Workload disables that kind of operation.
func DefaultWorkload() Workload {
	return Workload{
		Seed:       1,
		Ops:        1000,
		MaxSize:    2048,
		FreeRatio:  0.45,
		FrameRatio: 0.1,
	}
}

func (w *Workload) setDefaults() {
	def := DefaultWorkload()
	if w.Ops == 0 {
		w.Ops = def.Ops
	}
	if w.MaxSize == 0 {
		w.MaxSize = def.MaxSize
	}
}

// Report summarizes a workload run.
type Report struct {
	Allocs       int
	FailedAllocs int
	Frees        int
	FrameAllocs  int
	FrameFrees   int
	PeakLive     int

	// IRQs counts the interrupts raised during the run and Refusals the
	// allocator entries refused because the critical section was held.
	IRQs     uint64
	Refusals uint64

	Heap        kheap.Stats
	FreeFrames  uint32
	TotalFrames uint32
}

type allocation struct {
	ptr, size uintptr
	fill      byte
}

// Run executes w against the machine. The heap layout is verified after every
// release and every allocation is filled with a marker that must survive
// until it is released.
func (m *Machine) Run(w Workload) (Report, error) {
	w.setDefaults()

	var (
		rep    Report
		rng    = rand.New(rand.NewSource(w.Seed))
		live   []allocation
		frames []uintptr
		owned  = make(map[uintptr]bool)
	)

	if w.IRQOnGrowth {
		if m.Memory.Config.Reentry == sync.ReentrySpin {
			return rep, errSpinReentry
		}

		m.Memory.IRQ.Enable(irq.IRQ0, func(*irq.Context) uintptr {
			if ptr, err := m.Memory.Heap.Alloc(16); err == nil {
				m.Memory.Heap.Free(ptr)
			}
			return 0
		})
		m.pages.OnMap = func(mm.Page, mm.Frame) {
			m.irqCount++
			m.Memory.IRQ.Dispatch(&irq.Context{Vector: irq.IRQ0})
		}
		defer func() {
			m.pages.OnMap = nil
			m.Memory.IRQ.Disable(irq.IRQ0)
		}()
	}

	irqsBefore := m.irqCount
	_, refusalsBefore := m.Memory.Guard.Stats()

	release := func(i int) error {
		a := live[i]
		if size, ok := m.Memory.Heap.SizeOf(a.ptr); !ok || size != a.size {
			return errors.Errorf("sim: allocation 0x%x reports %d bytes instead of %d", a.ptr, size, a.size)
		}
		for _, b := range m.Payload(a.ptr, a.size) {
			if b != a.fill {
				return errors.Errorf("sim: allocation 0x%x (%d bytes) was overwritten", a.ptr, a.size)
			}
		}

		if err := m.Free(a.ptr); err != nil {
			return err
		}
		live[i] = live[len(live)-1]
		live = live[:len(live)-1]
		rep.Frees++

		return m.verify()
	}

	releaseFrame := func(i int) error {
		addr := frames[i]
		if err := m.FreeFrame(addr); err != nil {
			return err
		}
		delete(owned, addr)
		frames[i] = frames[len(frames)-1]
		frames = frames[:len(frames)-1]
		rep.FrameFrees++
		return nil
	}

	for op := 0; op < w.Ops; op++ {
		r := rng.Float64()
		switch {
		case r < w.FrameRatio:
			if len(frames) > 0 && rng.Intn(2) == 0 {
				if err := releaseFrame(rng.Intn(len(frames))); err != nil {
					return rep, errors.Wrapf(err, "op %d", op)
				}
				continue
			}

			addr, err := m.AllocFrame()
			if err == ErrHalted {
				return rep, err
			} else if err != nil {
				continue
			}
			if owned[addr] {
				return rep, errors.Errorf("sim: op %d: frame 0x%x handed out twice", op, addr)
			}
			owned[addr] = true
			frames = append(frames, addr)
			rep.FrameAllocs++

		case len(live) > 0 && r < w.FrameRatio+w.FreeRatio:
			if err := release(rng.Intn(len(live))); err != nil {
				return rep, errors.Wrapf(err, "op %d", op)
			}

		default:
			size := uintptr(rng.Int63n(int64(w.MaxSize))) + 1
			ptr, err := m.Alloc(size)
			if err == ErrHalted {
				return rep, err
			} else if err != nil {
				rep.FailedAllocs++
				if m.opts.Debug {
					kfmt.Printf("[sim] op %d: %s\n", op, err.Error())
				}
				continue
			}

			if err = m.checkBacking(ptr, size); err != nil {
				return rep, errors.Wrapf(err, "op %d", op)
			}

			a := allocation{ptr: ptr, size: size, fill: byte(op%255) + 1}
			for i, buf := 0, m.Payload(ptr, size); i < len(buf); i++ {
				buf[i] = a.fill
			}
			live = append(live, a)
			rep.Allocs++
			if len(live) > rep.PeakLive {
				rep.PeakLive = len(live)
			}
		}
	}

	if w.Drain {
		for len(live) > 0 {
			if err := release(len(live) - 1); err != nil {
				return rep, errors.Wrap(err, "drain")
			}
		}
		for len(frames) > 0 {
			if err := releaseFrame(len(frames) - 1); err != nil {
				return rep, errors.Wrap(err, "drain")
			}
		}
	}

	_, refusals := m.Memory.Guard.Stats()
	rep.IRQs = m.irqCount - irqsBefore
	rep.Refusals = refusals - refusalsBefore
	rep.FreeFrames = m.Memory.Frames.FreeFrames()
	rep.TotalFrames = m.Memory.Frames.TotalFrames()

	stats, kerr := m.Memory.Heap.Stats()
	if kerr != nil {
		return rep, errors.Wrap(kerr, "sim: heap stats")
	}
	rep.Heap = stats

	return rep, nil
}

// checkBacking makes sure every page of an allocation is mapped to a frame
// that the frame allocator considers allocated.
func (m *Machine) checkBacking(ptr, size uintptr) error {
	for page := mm.AlignDown(ptr); page < ptr+size; page += mm.PageSize {
		phys, kerr := m.pages.Translate(page)
		if kerr != nil {
			return errors.Wrapf(kerr, "sim: allocation 0x%x", ptr)
		}
		if m.Memory.Frames.IsFree(phys) {
			return errors.Errorf("sim: heap page 0x%x is backed by free frame 0x%x", page, phys)
		}
	}
	return nil
}

func (m *Machine) verify() error {
	if err := m.Memory.Heap.Verify(); err != nil {
		return errors.Wrap(err, "sim: heap verification failed")
	}
	return nil
}
