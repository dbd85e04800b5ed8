package main

import (
	"github.com/spf13/cobra"
)

var (
	cellSize       int
	renderFlags    workloadFlags
)

func init() {
	cmd := newRenderCmd()
	cmd.Flags().IntVar(&cellSize, "cell", 6, "Size of a frame cell in pixels")
	rootCmd.AddCommand(cmd)
}

func newRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render <output.png>",
		Short: "Render the allocator state as a PNG image",
		Long: `The render command boots the memory subsystem, optionally runs a
workload and draws the frame bitmap and the heap block layout.

Example:
  kmemsim render mem.png
  kmemsim render mem.png --ops 5000 --cell 4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRender(cmd, args)
		},
	}

	// same knobs as run, but no workload unless asked for
	addWorkloadFlags(cmd, &renderFlags, 0)
	return cmd
}

func runRender(cmd *cobra.Command, args []string) error {
	m, err := bootMachine(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	if renderFlags.Ops > 0 {
		rep, err := m.Run(renderFlags.workload())
		if err != nil {
			return err
		}
		printReport(rep)
	}

	if err := m.RenderPNG(args[0], cellSize); err != nil {
		return err
	}

	printInfo("wrote %s\n", args[0])
	return nil
}
