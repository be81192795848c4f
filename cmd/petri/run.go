package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/petri/internal/config"
	"github.com/seantiz/petri/internal/executor"
	"github.com/seantiz/petri/internal/model"
)

// runSummary is the JSON document printed when a headless run ends.
type runSummary struct {
	Parameters  model.Parameters      `json:"parameters"`
	Seed        uint64                `json:"seed"`
	Mode        string                `json:"mode"`
	Status      string                `json:"status"`
	Generations int                   `json:"generations"`
	Final       model.GenerationStats `json:"final"`
	History     model.History         `json:"history"`
	Population  model.Population      `json:"population,omitempty"`
	ElapsedMS   int64                 `json:"elapsed_ms"`
}

func newRunCmd() *cobra.Command {
	defaults := model.DefaultParameters()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one simulation headless and print a JSON summary",
		Long: `Run a single simulation for its full duration without the HTTP API.

Progress lines go to stderr every few generations; the final summary is
written to stdout as JSON. Ctrl-C stops the run after the current
generation and still prints the summary.

Examples:
  petri run                                   # default parameters
  petri run --antibiotic 0.8 --duration 200   # heavy antibiotic pressure
  petri run --seed 42 --sync                  # reproducible, in-process`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runHeadless(ctx, cmd)
		},
	}

	f := cmd.Flags()
	f.Int("initial-population", defaults.InitialPopulation, "Number of bacteria seeded at generation 0")
	f.Float64("growth-rate", defaults.GrowthRate, "Base reproduction probability per generation")
	f.Float64("antibiotic", defaults.AntibioticConcentration, "Antibiotic concentration in [0, 1]")
	f.Float64("mutation-rate", defaults.MutationRate, "Per-offspring mutation probability")
	f.Int("duration", defaults.Duration, "Number of generations to run")
	f.Float64("arena-size", defaults.ArenaSize, "Arena diameter")
	f.Uint64("seed", 0, "Random seed (0 picks a time-based seed)")
	f.Bool("sync", false, "Compute in the calling process instead of a background worker")
	f.Bool("population", false, "Include the final population in the summary")
	f.Bool("quiet", false, "Suppress progress lines")
	return cmd
}

func runHeadless(ctx context.Context, cmd *cobra.Command) error {
	f := cmd.Flags()
	var p model.Parameters
	p.InitialPopulation, _ = f.GetInt("initial-population")
	p.GrowthRate, _ = f.GetFloat64("growth-rate")
	p.AntibioticConcentration, _ = f.GetFloat64("antibiotic")
	p.MutationRate, _ = f.GetFloat64("mutation-rate")
	p.Duration, _ = f.GetInt("duration")
	p.ArenaSize, _ = f.GetFloat64("arena-size")
	seed, _ := f.GetUint64("seed")
	syncMode, _ := f.GetBool("sync")
	withPop, _ := f.GetBool("population")
	quiet, _ := f.GetBool("quiet")

	if err := p.Validate(); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	cfg.Executor.Seed = seed
	if syncMode {
		cfg.Executor.Mode = executor.ModeSync
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := config.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	exec, err := executor.New(cfg.Executor, logger.With("component", "executor"))
	if err != nil {
		return fmt.Errorf("start executor: %w", err)
	}
	defer exec.Terminate(context.Background())

	start := time.Now()
	initCall, err := exec.Initialize(ctx, p)
	if err != nil {
		return fmt.Errorf("initialize population: %w", err)
	}
	seeded, err := initCall.Wait(ctx)
	if err != nil {
		return fmt.Errorf("initialize population: %w", err)
	}

	progressOut := cmd.ErrOrStderr()
	if quiet {
		progressOut = io.Discard
	}

	// An interrupt ends the batch with what it computed.
	halt := make(chan struct{})
	var haltOnce sync.Once
	stopRun := func() { haltOnce.Do(func() { close(halt) }) }
	go func() {
		select {
		case <-ctx.Done():
			stopRun()
		case <-halt:
		}
	}()

	call, err := exec.BatchStep(context.Background(), seeded.Population, p, executor.BatchOptions{
		Steps:            p.Duration,
		Stop:             halt,
		StopOnExtinction: true,
		Progress: func(pr executor.Progress) {
			fmt.Fprintf(progressOut, "generation %d/%d  total=%d resistant=%d sensitive=%d fitness=%.3f\n",
				pr.CurrentStep, pr.TotalSteps,
				pr.Statistics.Total, pr.Statistics.Resistant, pr.Statistics.Sensitive,
				pr.Statistics.AverageFitness)
		},
	})
	if err != nil {
		stopRun()
		return fmt.Errorf("run simulation: %w", err)
	}
	res, err := call.Wait(context.Background())
	stopRun()
	if err != nil {
		return fmt.Errorf("run simulation: %w", err)
	}

	summary := runSummary{
		Parameters:  p,
		Seed:        seed,
		Mode:        exec.Mode(),
		Status:      model.StatusCompleted,
		Generations: res.CompletedSteps,
		Final:       res.Statistics,
		History:     res.History,
		ElapsedMS:   time.Since(start).Milliseconds(),
	}
	switch {
	case len(res.Population) == 0:
		summary.Status = model.StatusExtinct
	case res.Stopped():
		summary.Status = model.StatusIdle
	}
	if withPop {
		summary.Population = res.Population
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
