package population

// Model constants.
const (
	// KillConstant scales antibiotic lethality.
	KillConstant = 1.5
	// ResistantFactor and SensitiveFactor reduce the effective
	// concentration seen by a bacterium.
	ResistantFactor = 0.9
	SensitiveFactor = 0.1

	BaseSurvivalRate = 0.98
	AgeDecay         = 0.99

	// DensityConstant is bacteria per unit of arena area at carrying capacity.
	DensityConstant = 0.01

	MinReproductionAge = 1
	MaxReproductionAge = 10

	// OffspringRadius bounds how far from its parent an offspring is placed.
	OffspringRadius   = 15.0
	PlacementAttempts = 5

	InitialResistantProbability = 0.10
	SensitiveBaseFitness        = 1.0
	ResistantBaseFitness        = 0.8
	InitialFitnessJitter        = 0.10
	OffspringFitnessJitter      = 0.05

	// ResistanceCost multiplies fitness when resistance is acquired by mutation.
	ResistanceCost = 0.8
	// ResistanceMutationFactor scales the mutation rate for resistance gain.
	ResistanceMutationFactor = 0.1
	FitnessDrift             = 0.05
	SizeMutationFactor       = 0.5
	MaxSizeDelta             = 0.5

	MinFitness = 0.1
	MaxFitness = 2.0
	MinSize    = 2.0
	MaxSize    = 8.0

	MinInitialSize = 3.0
	MaxInitialSize = 5.0

	ColorSensitive = "#4ade80"
	ColorResistant = "#f87171"
)

func clampFitness(f float64) float64 {
	return clamp(f, MinFitness, MaxFitness)
}

func clampSize(s float64) float64 {
	return clamp(s, MinSize, MaxSize)
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}

// jitter scales v by a uniform factor in [1-frac, 1+frac).
func jitter(rng Rand, v, frac float64) float64 {
	return v * (1 + (rng.Float64()*2-1)*frac)
}
