package population

import "github.com/seantiz/petri/internal/model"

// Model binds Initialize and Step to a single random source. It is not safe
// for concurrent use; callers serialise access.
type Model struct {
	rng Rand
}

// NewModel returns a Model drawing from rng.
func NewModel(rng Rand) *Model {
	return &Model{rng: rng}
}

// Initialize seeds a new population.
func (m *Model) Initialize(p model.Parameters) (model.Population, error) {
	return Initialize(m.rng, p)
}

// Step advances pop by one generation.
func (m *Model) Step(pop model.Population, p model.Parameters) (model.Population, model.GenerationStats, error) {
	return Step(m.rng, pop, p)
}
