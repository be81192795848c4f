package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "petri",
		Short: "Bacterial population evolution engine",
		Long: `petri simulates bacterial colonies growing, mutating and dying under
antibiotic pressure in a circular arena.

The model runs either in a background worker process or synchronously
in the calling process, behind the same request/response interface.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newWorkerCmd(),
	)
	return rootCmd
}
