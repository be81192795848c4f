package population

import (
	"math"

	"github.com/seantiz/petri/internal/model"
)

// Step advances pop by one generation. The stages run in a fixed order and
// each later stage sees only the survivors of the earlier ones:
//
//  1. aging
//  2. antibiotic selection
//  3. natural death
//  4. reproduction (gated by carrying capacity)
//  5. mutation of survivors and offspring
//  6. statistics
//
// pop is not modified. An empty population yields an empty population and
// all-zero statistics.
func Step(rng Rand, pop model.Population, p model.Parameters) (model.Population, model.GenerationStats, error) {
	if err := p.Validate(); err != nil {
		return nil, model.GenerationStats{}, err
	}

	var stats model.GenerationStats

	next := age(pop)
	next, stats.AntibioticDeaths = selectByAntibiotic(rng, next, p.AntibioticConcentration)
	next, stats.NaturalDeaths = selectByNaturalDeath(rng, next)

	offspring := reproduce(rng, next, p)
	stats.Reproductions = len(offspring)
	next = append(next, offspring...)

	stats.MutationEvents = mutate(rng, next, p.MutationRate)

	summary := Summarize(next)
	stats.Total = summary.Total
	stats.Resistant = summary.Resistant
	stats.Sensitive = summary.Sensitive
	stats.AverageFitness = summary.AverageFitness

	return next, stats, nil
}

// age copies pop with every age incremented. Out-of-range fitness and size
// values on the input are clamped here so later stages see valid values.
func age(pop model.Population) model.Population {
	out := make(model.Population, len(pop))
	for i, b := range pop {
		b.Age++
		b.Fitness = clampFitness(b.Fitness)
		b.Size = clampSize(b.Size)
		out[i] = b
	}
	return out
}

// AntibioticSurvival returns the probability that b survives concentration c.
func AntibioticSurvival(b model.Bacterium, c float64) float64 {
	r := SensitiveFactor
	if b.IsResistant {
		r = ResistantFactor
	}
	return math.Exp(-KillConstant * c * (1 - r))
}

func selectByAntibiotic(rng Rand, pop model.Population, c float64) (model.Population, int) {
	if c == 0 {
		return pop, 0
	}
	survivors := pop[:0]
	deaths := 0
	for _, b := range pop {
		if rng.Float64() < AntibioticSurvival(b, c) {
			survivors = append(survivors, b)
		} else {
			deaths++
		}
	}
	return survivors, deaths
}

// NaturalSurvival returns the probability that b survives natural death.
func NaturalSurvival(b model.Bacterium) float64 {
	return math.Min(1, BaseSurvivalRate*math.Pow(AgeDecay, float64(b.Age))*b.Fitness)
}

func selectByNaturalDeath(rng Rand, pop model.Population) (model.Population, int) {
	survivors := pop[:0]
	deaths := 0
	for _, b := range pop {
		if rng.Float64() < NaturalSurvival(b) {
			survivors = append(survivors, b)
		} else {
			deaths++
		}
	}
	return survivors, deaths
}

// CarryingCapacity returns the maximum population an arena of the given size
// sustains.
func CarryingCapacity(arenaSize float64) int {
	r := arenaSize / 2
	return int(math.Floor(math.Pi * r * r * DensityConstant))
}

func reproduce(rng Rand, survivors model.Population, p model.Parameters) model.Population {
	capacity := CarryingCapacity(p.ArenaSize)
	arena := p.Arena()
	current := len(survivors)

	offspring := make(model.Population, 0)
	for _, parent := range survivors {
		if current >= capacity {
			break
		}
		if parent.Age < MinReproductionAge || parent.Age > MaxReproductionAge {
			continue
		}

		prob := p.GrowthRate * parent.Fitness * (1 - float64(current)/float64(capacity))
		if rng.Float64() >= prob {
			continue
		}

		pos, ok := placeOffspring(rng, arena, parent.Position)
		if !ok {
			continue
		}

		offspring = append(offspring, model.Bacterium{
			ID:          model.NewID(),
			Position:    pos,
			IsResistant: parent.IsResistant,
			Fitness:     clampFitness(jitter(rng, parent.Fitness, OffspringFitnessJitter)),
			Age:         0,
			Generation:  parent.Generation + 1,
			ParentID:    parent.ID,
			Color:       parent.Color,
			Size:        parent.Size,
		})
		current++
	}
	return offspring
}

// placeOffspring tries a bounded number of positions near the parent. A
// failure means no offspring this time.
func placeOffspring(rng Rand, arena model.Arena, near model.Position) (model.Position, bool) {
	for i := 0; i < PlacementAttempts; i++ {
		pos := randomPointInDisk(rng, near, OffspringRadius)
		if arena.Contains(pos) {
			return pos, true
		}
	}
	return model.Position{}, false
}

// mutate applies the three independent mutation checks in place and returns
// how many bacteria had at least one of them fire.
func mutate(rng Rand, pop model.Population, rate float64) int {
	events := 0
	for i := range pop {
		b := &pop[i]
		mutated := false

		if !b.IsResistant && rng.Float64() < rate*ResistanceMutationFactor {
			b.IsResistant = true
			b.Fitness = clampFitness(b.Fitness * ResistanceCost)
			b.Color = ColorResistant
			mutated = true
		}
		if rng.Float64() < rate {
			b.Fitness = clampFitness(jitter(rng, b.Fitness, FitnessDrift))
			mutated = true
		}
		if rng.Float64() < rate*SizeMutationFactor {
			b.Size = clampSize(b.Size + (rng.Float64()*2-1)*MaxSizeDelta)
			mutated = true
		}

		if mutated {
			events++
		}
	}
	return events
}
