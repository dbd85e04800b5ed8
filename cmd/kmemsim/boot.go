package main

import (
	"amos/kernel/hal/multiboot"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newBootCmd())
}

func newBootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Boot the memory subsystem and show the memory layout",
		Long: `The boot command boots the frame allocator and the kernel heap and
prints the boot memory map together with the allocator state.

Example:
  kmemsim boot
  kmemsim boot --upper-mem 65536 --debug
  kmemsim boot --cmdline "mm.reentry=panic" --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoot(cmd)
		},
	}
	return cmd
}

type regionInfo struct {
	Base   uint64 `json:"base"`
	Length uint64 `json:"length"`
	Type   string `json:"type"`
}

type bootInfo struct {
	Regions     []regionInfo `json:"regions"`
	ImageStart  uintptr      `json:"image_start"`
	ImageEnd    uintptr      `json:"image_end"`
	BitmapSize  uintptr      `json:"bitmap_size"`
	TotalFrames uint32       `json:"total_frames"`
	FreeFrames  uint32       `json:"free_frames"`
	HeapBase    uintptr      `json:"heap_base"`
	HeapLimit   uint64       `json:"heap_limit"`
	Reentry     string       `json:"reentry"`
	PortWrites  []portWrite  `json:"pic_writes"`
}

type portWrite struct {
	Port  uint16 `json:"port"`
	Value uint8  `json:"value"`
}

var reentryModes = []string{"refuse", "panic", "spin"}

func runBoot(cmd *cobra.Command) error {
	m, err := bootMachine(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	info := bootInfo{
		BitmapSize:  m.Memory.Frames.BitmapSize(),
		TotalFrames: m.Memory.Frames.TotalFrames(),
		FreeFrames:  m.Memory.Frames.FreeFrames(),
		HeapBase:    m.Memory.Config.HeapBase,
		HeapLimit:   uint64(m.Memory.Config.HeapLimit),
		Reentry:     reentryModes[m.Memory.Config.Reentry],
	}
	info.ImageStart, info.ImageEnd = m.KernelImage()
	for _, w := range m.PortWrites() {
		info.PortWrites = append(info.PortWrites, portWrite{Port: w.Port, Value: w.Value})
	}
	m.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		info.Regions = append(info.Regions, regionInfo{
			Base:   entry.PhysAddress,
			Length: entry.Length,
			Type:   entry.Type.String(),
		})
		return true
	})

	if jsonOut {
		return printJSON(info)
	}

	printInfo("\nMemory map:\n")
	for _, r := range info.Regions {
		printInfo("  [0x%010x - 0x%010x] %10d bytes  %s\n", r.Base, r.Base+r.Length, r.Length, r.Type)
	}

	printInfo("\nFrame allocator:\n")
	printInfo("  Kernel image: [0x%x - 0x%x]\n", info.ImageStart, info.ImageEnd)
	printInfo("  Bitmap:       %d bytes\n", info.BitmapSize)
	printInfo("  Frames:       %d free / %d total\n", info.FreeFrames, info.TotalFrames)

	printInfo("\nKernel heap:\n")
	printInfo("  Window:       0x%x (+%d bytes)\n", info.HeapBase, info.HeapLimit)
	printInfo("  Reentry:      %s\n", info.Reentry)

	printInfo("\nInterrupt controllers:\n")
	for _, w := range info.PortWrites {
		printInfo("  out 0x%02x <- 0x%02x\n", w.Port, w.Value)
	}

	return nil
}
