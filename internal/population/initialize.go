package population

import (
	"math"

	"github.com/seantiz/petri/internal/model"
)

// Initialize seeds p.InitialPopulation founders uniformly by area inside the
// arena circle. Roughly one in ten founders is resistant and starts with a
// lower baseline fitness.
func Initialize(rng Rand, p model.Parameters) (model.Population, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	arena := p.Arena()
	pop := make(model.Population, 0, p.InitialPopulation)
	for i := 0; i < p.InitialPopulation; i++ {
		resistant := rng.Float64() < InitialResistantProbability

		base, color := SensitiveBaseFitness, ColorSensitive
		if resistant {
			base, color = ResistantBaseFitness, ColorResistant
		}

		pop = append(pop, model.Bacterium{
			ID:          model.NewID(),
			Position:    randomPointInDisk(rng, arena.Center(), arena.Radius()),
			IsResistant: resistant,
			Fitness:     clampFitness(jitter(rng, base, InitialFitnessJitter)),
			Color:       color,
			Size:        MinInitialSize + rng.Float64()*(MaxInitialSize-MinInitialSize),
		})
	}
	return pop, nil
}

// randomPointInDisk samples uniformly by area. The radial coordinate takes a
// square root; a linear draw would cluster points at the centre.
func randomPointInDisk(rng Rand, center model.Position, radius float64) model.Position {
	r := radius * math.Sqrt(rng.Float64())
	theta := 2 * math.Pi * rng.Float64()
	return model.Position{
		X: center.X + r*math.Cos(theta),
		Y: center.Y + r*math.Sin(theta),
	}
}
