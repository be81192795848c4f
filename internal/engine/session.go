package engine

import (
	"sync"

	"github.com/seantiz/petri/internal/executor"
	"github.com/seantiz/petri/internal/model"
)

// session is the live state of one simulation. sim is the last persisted
// snapshot; it only changes between executor operations.
type session struct {
	id   string
	exec *executor.Executor

	mu       sync.Mutex
	sim      model.Simulation
	busy     bool
	runID    string
	stop     chan struct{}
	stopOnce *sync.Once
}

func newSession(sim model.Simulation, exec *executor.Executor) *session {
	return &session{id: sim.ID, exec: exec, sim: sim}
}

// snapshot returns a copy of the current simulation state.
func (s *session) snapshot() model.Simulation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sim
	out.Population = s.sim.Population.Clone()
	return out
}

// acquire marks the session busy for one executor operation.
func (s *session) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}
	if s.exec == nil || s.sim.Status == model.StatusExtinct || s.sim.Status == model.StatusTerminated {
		return ErrFinished
	}
	s.busy = true
	return nil
}

func (s *session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.stop = nil
	s.stopOnce = nil
}

// requestStop asks the active run, if any, to stop. It reports whether a run
// was active.
func (s *session) requestStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return false
	}
	stop := s.stop
	s.stopOnce.Do(func() { close(stop) })
	return true
}

// nextStatus derives the resting status of a simulation after its
// population changed.
func nextStatus(sim model.Simulation) string {
	switch {
	case len(sim.Population) == 0:
		return model.StatusExtinct
	case sim.Generation >= sim.Parameters.Duration:
		return model.StatusCompleted
	default:
		return model.StatusIdle
	}
}
