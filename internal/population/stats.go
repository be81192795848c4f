package population

import "github.com/seantiz/petri/internal/model"

// Summarize counts pop and averages its fitness. Event tallies are left at
// zero. The average is zero for an empty population.
func Summarize(pop model.Population) model.GenerationStats {
	var s model.GenerationStats
	var fitness float64
	for _, b := range pop {
		s.Total++
		if b.IsResistant {
			s.Resistant++
		} else {
			s.Sensitive++
		}
		fitness += b.Fitness
	}
	if s.Total > 0 {
		s.AverageFitness = fitness / float64(s.Total)
	}
	return s
}
