package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/petri/internal/api"
	"github.com/seantiz/petri/internal/config"
	"github.com/seantiz/petri/internal/engine"
	"github.com/seantiz/petri/internal/store"
)

const engineShutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the simulation HTTP API",
		Long: `Serve the simulation API until SIGINT or SIGTERM.

Configuration comes from the YAML file named by PETRI_CONFIG and from
PETRI_* environment variables; flags override both.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.ListenAddr = addr
			}
			if db, _ := cmd.Flags().GetString("db"); db != "" {
				cfg.DBPath = db
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger := config.NewLogger(os.Stdout, cfg.LogLevel)
			logger.Info("petri: starting",
				"listen_addr", cfg.ListenAddr,
				"db_path", cfg.DBPath,
				"executor_mode", cfg.Executor.Mode,
				"fallback", cfg.Executor.Fallback,
			)

			db, err := store.NewSQLiteStore(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			eng := engine.NewEngine(db, cfg.Executor, logger.With("component", "engine"))
			srv := api.NewServer(cfg.ListenAddr, eng, cfg.Defaults, logger)

			runErr := srv.Run()

			ctx, cancel := context.WithTimeout(context.Background(), engineShutdownTimeout)
			defer cancel()
			if err := eng.Shutdown(ctx); err != nil {
				logger.Error("engine shutdown", "error", err)
			}
			return runErr
		},
	}

	cmd.Flags().String("addr", "", "Listen address (overrides PETRI_LISTEN_ADDR)")
	cmd.Flags().String("db", "", "SQLite database path (overrides PETRI_DB_PATH)")
	return cmd
}
