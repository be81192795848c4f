package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/petri/internal/config"
	"github.com/seantiz/petri/internal/executor"
	"github.com/seantiz/petri/internal/population"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve model requests on stdin/stdout",
		Long: `Run the background worker. Requests arrive as length-prefixed JSON
frames on stdin and responses leave on stdout; logs go to stderr.

This is the process started when PETRI_WORKER_COMMAND points at
"petri worker".`,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, _ := cmd.Flags().GetUint64("seed")
			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}
			level, _ := cmd.Flags().GetString("log-level")

			logger := config.NewLogger(os.Stderr, config.ParseLogLevel(level)).With("component", "worker")
			logger.Debug("worker starting", "seed", seed, "pid", os.Getpid())
			return executor.ServeStdio(population.NewModel(population.NewRand(seed)), logger)
		},
	}

	cmd.Flags().Uint64("seed", 0, "Random seed (0 picks a time-based seed)")
	cmd.Flags().String("log-level", "info", "Log level: debug, info, warn or error")
	return cmd
}
