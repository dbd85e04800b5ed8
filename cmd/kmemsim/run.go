package main

import (
	"amos/internal/sim"

	"github.com/spf13/cobra"
)

// workloadFlags binds the workload knobs of a command.
type workloadFlags struct {
	sim.Workload
	maxSize uint64
}

func (f *workloadFlags) workload() sim.Workload {
	w := f.Workload
	w.MaxSize = uintptr(f.maxSize)
	return w
}

var runFlags workloadFlags

func init() {
	cmd := newRunCmd()
	addWorkloadFlags(cmd, &runFlags, 1000)
	cmd.Flags().BoolVar(&runFlags.Drain, "drain", false, "Release everything once the workload completes")
	rootCmd.AddCommand(cmd)
}

func addWorkloadFlags(cmd *cobra.Command, w *workloadFlags, ops int) {
	def := sim.DefaultWorkload()
	cmd.Flags().Int64Var(&w.Seed, "seed", def.Seed, "Random seed")
	cmd.Flags().IntVar(&w.Ops, "ops", ops, "Number of operations")
	cmd.Flags().Uint64Var(&w.maxSize, "max-size", uint64(def.MaxSize), "Largest heap allocation")
	cmd.Flags().Float64Var(&w.FreeRatio, "free-ratio", def.FreeRatio, "Probability of releasing a heap allocation")
	cmd.Flags().Float64Var(&w.FrameRatio, "frame-ratio", def.FrameRatio, "Probability of a frame operation")
	cmd.Flags().
		BoolVar(&w.IRQOnGrowth, "irq-on-growth", false, "Raise an allocating timer interrupt during every heap growth")
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a random allocation workload",
		Long: `The run command boots the memory subsystem and runs a seeded random mix
of heap allocations, heap releases and frame operations. The heap is verified
after every release.

Example:
  kmemsim run --ops 10000 --seed 42
  kmemsim run --irq-on-growth --cmdline "mm.debug"
  kmemsim run --drain --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkload(cmd)
		},
	}
	return cmd
}

func runWorkload(cmd *cobra.Command) error {
	m, err := bootMachine(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	rep, err := m.Run(runFlags.workload())
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(rep)
	}

	printReport(rep)
	return nil
}

func printReport(rep sim.Report) {
	printInfo("\nWorkload:\n")
	printInfo("  Allocations:  %d (%d failed)\n", rep.Allocs, rep.FailedAllocs)
	printInfo("  Releases:     %d\n", rep.Frees)
	printInfo("  Peak live:    %d\n", rep.PeakLive)
	printInfo("  Frames:       %d allocated, %d released\n", rep.FrameAllocs, rep.FrameFrees)
	printInfo("  Interrupts:   %d (%d reentries refused)\n", rep.IRQs, rep.Refusals)

	printInfo("\nHeap:\n")
	printInfo("  Size:         %d bytes\n", rep.Heap.HeapSize)
	printInfo("  Blocks:       %d (%d used)\n", rep.Heap.Blocks, rep.Heap.UsedBlocks)
	printInfo("  Used:         %d bytes\n", rep.Heap.UsedBytes)
	printInfo("  Free:         %d bytes (largest %d)\n", rep.Heap.FreeBytes, rep.Heap.LargestFree)

	printInfo("\nFrames:        %d free / %d total\n", rep.FreeFrames, rep.TotalFrames)
}
