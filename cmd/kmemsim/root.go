package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"amos/internal/sim"
	"amos/kernel/kfmt"
	"amos/kernel/mm"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	upperMemKiB uint32
	imageSize   string
	heapLimit   string
	cmdLine     string
	debug       bool
	jsonOut     bool

	// out receives command output; set from the executing command so
	// tests can capture it.
	out io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:   "kmemsim",
	Short: "Boot and exercise the kernel memory subsystem as a process",
	Long: `kmemsim boots the kernel frame allocator and heap on simulated
physical memory. It can print the resulting memory layout, run randomized
allocation workloads against it and render the allocator state as an image.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		out = cmd.OutOrStdout()
	},
}

func init() {
	rootCmd.PersistentFlags().Uint32Var(&upperMemKiB, "upper-mem", 16*1024, "Memory above 1M in KiB")
	rootCmd.PersistentFlags().StringVar(&imageSize, "image-size", "64K", "Size of the kernel image")
	rootCmd.PersistentFlags().StringVar(&heapLimit, "heap-limit", "4M", "Size of the kernel heap window")
	rootCmd.PersistentFlags().
		StringVar(&cmdLine, "cmdline", "", "Extra boot command line, e.g. \"mm.reentry=panic\"")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable kernel diagnostics and echo the kernel console")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootMachine boots a machine configured by the global flags.
func bootMachine(cmd *cobra.Command) (*sim.Machine, error) {
	img, ok := mm.ParseSize(imageSize)
	if !ok {
		return nil, errors.Errorf("invalid --image-size %q", imageSize)
	}
	limit, ok := mm.ParseSize(heapLimit)
	if !ok {
		return nil, errors.Errorf("invalid --heap-limit %q", heapLimit)
	}

	opts := sim.Options{
		UpperMemoryKiB: upperMemKiB,
		ImageSize:      uintptr(img),
		HeapLimit:      limit,
		CmdLine:        cmdLine,
		Debug:          debug,
	}
	if debug {
		opts.Console = &kfmt.PrefixWriter{Sink: cmd.ErrOrStderr(), Prefix: []byte("kernel| ")}
	}

	m, err := sim.Boot(opts)
	return m, errors.Wrap(err, "boot failed")
}

// printInfo prints an info message
func printInfo(format string, args ...interface{}) {
	fmt.Fprintf(out, format, args...)
}

// printJSON outputs data as JSON
func printJSON(v interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
