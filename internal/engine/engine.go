package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/petri/internal/executor"
	"github.com/seantiz/petri/internal/model"
	"github.com/seantiz/petri/internal/store"
)

var (
	// ErrNotFound is returned for unknown simulation ids.
	ErrNotFound = errors.New("simulation not found")
	// ErrBusy is returned when a simulation already has an operation in flight.
	ErrBusy = errors.New("simulation is busy")
	// ErrNotRunning is returned by Stop when no run is active.
	ErrNotRunning = errors.New("simulation is not running")
	// ErrFinished is returned when an extinct or terminated simulation is
	// asked to advance, or a run has no generations left.
	ErrFinished = errors.New("simulation has finished")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("engine is shut down")
)

// ExecutorFactory creates the executor owned by one session.
type ExecutorFactory func() (*executor.Executor, error)

// StepResult is the outcome of a single synchronous step.
type StepResult struct {
	Simulation *model.Simulation     `json:"simulation"`
	Statistics model.GenerationStats `json:"statistics"`
}

// Engine manages simulation sessions. Sessions never share an executor, so
// one simulation's failure or timeout cannot affect another.
type Engine struct {
	store   store.Store
	newExec ExecutorFactory
	logger  *slog.Logger
	broker  *ProgressBroker
	wg      sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewEngine creates an engine whose sessions use executors built from cfg.
func NewEngine(s store.Store, cfg executor.Config, logger *slog.Logger) *Engine {
	execLogger := logger.With("component", "executor")
	return NewEngineWithFactory(s, func() (*executor.Executor, error) {
		return executor.New(cfg, execLogger)
	}, logger)
}

// NewEngineWithFactory creates an engine with a custom executor factory.
func NewEngineWithFactory(s store.Store, factory ExecutorFactory, logger *slog.Logger) *Engine {
	return &Engine{
		store:    s,
		newExec:  factory,
		logger:   logger,
		broker:   NewProgressBroker(),
		sessions: make(map[string]*session),
	}
}

// Broker returns the engine's progress broker.
func (e *Engine) Broker() *ProgressBroker {
	return e.broker
}

// Create validates p, seeds a population and persists a new idle simulation.
func (e *Engine) Create(ctx context.Context, p model.Parameters) (*model.Simulation, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	exec, err := e.newExec()
	if err != nil {
		return nil, fmt.Errorf("start executor: %w", err)
	}

	res, err := await(ctx, func() (*executor.Call, error) { return exec.Initialize(ctx, p) })
	if err != nil {
		_ = exec.Terminate(context.Background())
		return nil, fmt.Errorf("initialize population: %w", err)
	}

	now := time.Now().UTC()
	sim := model.Simulation{
		ID:         model.NewID(),
		Status:     model.StatusIdle,
		Parameters: p,
		Population: res.Population,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if len(sim.Population) == 0 {
		sim.Status = model.StatusExtinct
	}
	if err := e.store.CreateSimulation(ctx, &sim); err != nil {
		_ = exec.Terminate(context.Background())
		return nil, fmt.Errorf("create simulation: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = exec.Terminate(context.Background())
		return nil, ErrClosed
	}
	e.sessions[sim.ID] = newSession(sim, exec)
	e.mu.Unlock()

	e.logger.Info("simulation created", "simulation_id", sim.ID, "population", len(sim.Population), "mode", exec.Mode())
	out := sim
	out.Population = sim.Population.Clone()
	return &out, nil
}

// Get returns the current snapshot of a simulation.
func (e *Engine) Get(ctx context.Context, id string) (*model.Simulation, error) {
	e.mu.Lock()
	s, ok := e.sessions[id]
	e.mu.Unlock()
	if ok {
		sim := s.snapshot()
		return &sim, nil
	}

	sim, err := e.store.GetSimulation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get simulation: %w", err)
	}
	return sim, nil
}

// List returns a page of simulations without their populations.
func (e *Engine) List(ctx context.Context, limit, offset int) ([]*model.Simulation, int, error) {
	return e.store.ListSimulations(ctx, limit, offset)
}

// History returns the per-generation statistics of a simulation.
func (e *Engine) History(ctx context.Context, id string) (model.History, error) {
	h, err := e.store.GetHistory(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.History{}, ErrNotFound
	}
	return h, err
}

// Stats returns aggregate statistics across all simulations.
func (e *Engine) Stats(ctx context.Context) (*store.SimulationStats, error) {
	return e.store.GetSimulationStats(ctx)
}

// Step advances a simulation by one generation and waits for the result.
func (e *Engine) Step(ctx context.Context, id string) (*StepResult, error) {
	s, err := e.session(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.release()

	snap := s.snapshot()
	res, err := await(ctx, func() (*executor.Call, error) {
		return s.exec.Step(ctx, snap.Population, snap.Parameters)
	})
	if err != nil {
		e.recordError(s, err)
		return nil, fmt.Errorf("step simulation: %w", err)
	}

	sim, err := e.advance(ctx, s, res)
	if err != nil {
		return nil, err
	}
	return &StepResult{Simulation: sim, Statistics: res.Statistics}, nil
}

// Run starts a batch of steps in the background and returns its run id.
// steps <= 0 runs the generations remaining up to the configured duration.
// Progress is published to the broker under the run id; a run stops early
// when it is stopped or the population dies out.
func (e *Engine) Run(ctx context.Context, id string, steps int) (string, error) {
	s, err := e.session(ctx, id)
	if err != nil {
		return "", err
	}
	if err := s.acquire(); err != nil {
		return "", err
	}

	snap := s.snapshot()
	if steps <= 0 {
		steps = snap.Parameters.Duration - snap.Generation
		if steps <= 0 {
			s.release()
			return "", ErrFinished
		}
	}
	if steps > model.MaxDuration {
		s.release()
		return "", &model.ValidationError{Field: "steps", Value: float64(steps), Min: 1, Max: model.MaxDuration}
	}

	if err := e.store.UpdateSimulationStatus(ctx, id, model.StatusRunning); err != nil {
		s.release()
		return "", fmt.Errorf("mark running: %w", err)
	}

	runID := model.NewID()
	// Open before the id is visible so subscribers never miss a live run.
	e.broker.Open(runID)
	stop := make(chan struct{})
	s.mu.Lock()
	prevRun, prevStatus := s.runID, s.sim.Status
	s.runID = runID
	s.stop = stop
	s.stopOnce = new(sync.Once)
	s.sim.Status = model.StatusRunning
	s.mu.Unlock()
	if prevRun != "" {
		e.broker.Forget(prevRun)
	}

	e.logger.Info("run started", "simulation_id", id, "run_id", runID, "steps", steps)

	e.wg.Go(func() {
		ctx := context.Background()
		res, err := await(ctx, func() (*executor.Call, error) {
			return s.exec.BatchStep(ctx, snap.Population, snap.Parameters, executor.BatchOptions{
				Steps:            steps,
				Stop:             stop,
				StopOnExtinction: true,
				Progress: func(p executor.Progress) {
					e.broker.Publish(runID, ProgressEvent{
						RunID:        runID,
						SimulationID: id,
						Generation:   snap.Generation + p.CurrentStep,
						CurrentStep:  p.CurrentStep,
						TotalSteps:   p.TotalSteps,
						Progress:     p.Progress,
						Statistics:   p.Statistics,
					})
				},
			})
		})
		e.finishRun(s, runID, prevStatus, res, err)
	})
	return runID, nil
}

func (e *Engine) finishRun(s *session, runID, prevStatus string, res executor.Result, err error) {
	defer e.broker.Close(runID)
	defer s.release()
	ctx := context.Background()

	if err != nil {
		s.mu.Lock()
		if s.sim.Status == model.StatusRunning {
			s.sim.Status = prevStatus
		}
		if !errors.Is(err, executor.ErrTerminated) {
			s.sim.Error = err.Error()
		}
		s.sim.UpdatedAt = time.Now().UTC()
		sim := s.sim
		s.mu.Unlock()

		if errors.Is(err, executor.ErrTerminated) {
			e.logger.Info("run terminated", "simulation_id", s.id, "run_id", runID)
		} else {
			e.logger.Error("run failed", "simulation_id", s.id, "run_id", runID, "error", err)
		}
		e.persist(ctx, &sim)
		return
	}

	sim, err := e.advance(ctx, s, res)
	if err != nil {
		e.logger.Error("persist run", "simulation_id", s.id, "run_id", runID, "error", err)
		return
	}
	e.logger.Info("run finished",
		"simulation_id", s.id,
		"run_id", runID,
		"steps", res.CompletedSteps,
		"requested", res.RequestedSteps,
		"status", sim.Status,
		"population", len(sim.Population),
	)
}

// Stop asks the active run of a simulation to stop after the current
// generation. The run then completes with the generations computed so far.
func (e *Engine) Stop(ctx context.Context, id string) error {
	e.mu.Lock()
	s, ok := e.sessions[id]
	e.mu.Unlock()
	if !ok {
		if _, err := e.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotRunning
	}
	if !s.requestStop() {
		return ErrNotRunning
	}
	e.logger.Info("run stop requested", "simulation_id", id)
	return nil
}

// RunID returns the id of the latest run of a simulation, or "" if it never
// ran in this process.
func (e *Engine) RunID(ctx context.Context, id string) (string, error) {
	e.mu.Lock()
	s, ok := e.sessions[id]
	e.mu.Unlock()
	if !ok {
		if _, err := e.Get(ctx, id); err != nil {
			return "", err
		}
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID, nil
}

// Terminate ends a simulation permanently. Its executor is released and a
// pending run is rejected; the record and history are kept.
func (e *Engine) Terminate(ctx context.Context, id string) (*model.Simulation, error) {
	s, err := e.session(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.sim.Status == model.StatusTerminated {
		sim := s.sim
		s.mu.Unlock()
		return &sim, nil
	}
	s.sim.Status = model.StatusTerminated
	s.sim.UpdatedAt = time.Now().UTC()
	sim := s.sim
	exec := s.exec
	s.mu.Unlock()

	if exec != nil {
		if err := exec.Terminate(ctx); err != nil {
			e.logger.Warn("terminate executor", "simulation_id", id, "error", err)
		}
	}
	if err := e.store.UpdateSimulation(ctx, &sim); err != nil {
		return nil, fmt.Errorf("update simulation: %w", err)
	}
	e.logger.Info("simulation terminated", "simulation_id", id)
	return &sim, nil
}

// Delete terminates a simulation and removes it with its history.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	s, ok := e.sessions[id]
	delete(e.sessions, id)
	e.mu.Unlock()

	if ok {
		s.mu.Lock()
		runID := s.runID
		s.mu.Unlock()
		if s.exec != nil {
			if err := s.exec.Terminate(ctx); err != nil {
				e.logger.Warn("terminate executor", "simulation_id", id, "error", err)
			}
		}
		if runID != "" {
			e.broker.Forget(runID)
		}
	}

	err := e.store.DeleteSimulation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete simulation: %w", err)
	}
	e.logger.Info("simulation deleted", "simulation_id", id)
	return nil
}

// Closed reports whether Shutdown has been called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Wait blocks until all in-flight runs complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown terminates every session's executor and waits for in-flight runs
// to settle. Interrupted runs leave their simulations at the last persisted
// snapshot.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		if s.exec == nil {
			continue
		}
		if err := s.exec.Terminate(ctx); err != nil {
			e.logger.Warn("terminate executor", "simulation_id", s.id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for runs: %w", ctx.Err())
	}
}

// session returns the live session for id, loading it from the store when
// this process has not seen it yet.
func (e *Engine) session(ctx context.Context, id string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if s, ok := e.sessions[id]; ok {
		return s, nil
	}

	sim, err := e.store.GetSimulation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load simulation: %w", err)
	}

	// A run interrupted by a restart resumes from its last snapshot.
	if sim.Status == model.StatusRunning {
		sim.Status = model.StatusIdle
	}

	var exec *executor.Executor
	if sim.Status != model.StatusTerminated && sim.Status != model.StatusExtinct {
		exec, err = e.newExec()
		if err != nil {
			return nil, fmt.Errorf("start executor: %w", err)
		}
	}

	s := newSession(*sim, exec)
	e.sessions[id] = s
	e.logger.Debug("simulation loaded", "simulation_id", id, "generation", sim.Generation)
	return s, nil
}

// advance applies a completed executor result to the session and persists
// the new snapshot and its history.
func (e *Engine) advance(ctx context.Context, s *session, res executor.Result) (*model.Simulation, error) {
	s.mu.Lock()
	first := s.sim.Generation + 1
	s.sim.Population = res.Population
	s.sim.Generation += res.CompletedSteps
	if s.sim.Status != model.StatusTerminated {
		s.sim.Status = nextStatus(s.sim)
	}
	s.sim.Error = ""
	s.sim.UpdatedAt = time.Now().UTC()
	sim := s.sim
	s.mu.Unlock()

	stats := make([]model.GenerationStats, res.History.Len())
	for i := range stats {
		stats[i] = res.History.At(i)
	}
	if err := e.store.AppendGenerations(ctx, sim.ID, first, stats); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("append history: %w", err)
	}
	e.persist(ctx, &sim)

	sim.Population = sim.Population.Clone()
	return &sim, nil
}

// recordError stores the message of a failed operation on the snapshot.
func (e *Engine) recordError(s *session, err error) {
	s.mu.Lock()
	s.sim.Error = err.Error()
	s.sim.UpdatedAt = time.Now().UTC()
	sim := s.sim
	s.mu.Unlock()
	e.persist(context.Background(), &sim)
}

// persist writes a snapshot, ignoring simulations deleted meanwhile.
func (e *Engine) persist(ctx context.Context, sim *model.Simulation) {
	if err := e.store.UpdateSimulation(ctx, sim); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("persist simulation", "simulation_id", sim.ID, "error", err)
	}
}

// await starts an executor call and waits for its result.
func await(ctx context.Context, start func() (*executor.Call, error)) (executor.Result, error) {
	c, err := start()
	if err != nil {
		return executor.Result{}, err
	}
	return c.Wait(ctx)
}
