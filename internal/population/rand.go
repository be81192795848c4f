package population

import "math/rand/v2"

// Rand is the random source threaded through every stochastic stage.
type Rand interface {
	// Float64 returns a uniform value in [0, 1).
	Float64() float64
}

// NewRand returns a PCG-backed source seeded with seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
