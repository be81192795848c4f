package model

// GenerationStats summarises one population transition. Counts and
// AverageFitness describe the resulting population; the remaining fields
// tally events that happened during the transition.
type GenerationStats struct {
	Total            int     `json:"total"`
	Resistant        int     `json:"resistant"`
	Sensitive        int     `json:"sensitive"`
	AverageFitness   float64 `json:"average_fitness"`
	MutationEvents   int     `json:"mutation_events"`
	AntibioticDeaths int     `json:"antibiotic_deaths"`
	NaturalDeaths    int     `json:"natural_deaths"`
	Reproductions    int     `json:"reproductions"`
}

// History holds per-generation statistics as parallel arrays, one slot per
// completed generation. It is only ever appended to.
type History struct {
	Total            []int     `json:"total"`
	Resistant        []int     `json:"resistant"`
	Sensitive        []int     `json:"sensitive"`
	AverageFitness   []float64 `json:"average_fitness"`
	MutationEvents   []int     `json:"mutation_events"`
	AntibioticDeaths []int     `json:"antibiotic_deaths"`
	NaturalDeaths    []int     `json:"natural_deaths"`
	Reproductions    []int     `json:"reproductions"`
}

// NewHistory returns an empty history with capacity for n generations.
func NewHistory(n int) History {
	return History{
		Total:            make([]int, 0, n),
		Resistant:        make([]int, 0, n),
		Sensitive:        make([]int, 0, n),
		AverageFitness:   make([]float64, 0, n),
		MutationEvents:   make([]int, 0, n),
		AntibioticDeaths: make([]int, 0, n),
		NaturalDeaths:    make([]int, 0, n),
		Reproductions:    make([]int, 0, n),
	}
}

// Append records one generation in every array.
func (h *History) Append(s GenerationStats) {
	h.Total = append(h.Total, s.Total)
	h.Resistant = append(h.Resistant, s.Resistant)
	h.Sensitive = append(h.Sensitive, s.Sensitive)
	h.AverageFitness = append(h.AverageFitness, s.AverageFitness)
	h.MutationEvents = append(h.MutationEvents, s.MutationEvents)
	h.AntibioticDeaths = append(h.AntibioticDeaths, s.AntibioticDeaths)
	h.NaturalDeaths = append(h.NaturalDeaths, s.NaturalDeaths)
	h.Reproductions = append(h.Reproductions, s.Reproductions)
}

// Len returns the number of recorded generations.
func (h History) Len() int {
	return len(h.Total)
}

// At returns the statistics recorded for generation index i.
func (h History) At(i int) GenerationStats {
	return GenerationStats{
		Total:            h.Total[i],
		Resistant:        h.Resistant[i],
		Sensitive:        h.Sensitive[i],
		AverageFitness:   h.AverageFitness[i],
		MutationEvents:   h.MutationEvents[i],
		AntibioticDeaths: h.AntibioticDeaths[i],
		NaturalDeaths:    h.NaturalDeaths[i],
		Reproductions:    h.Reproductions[i],
	}
}

// Consistent reports whether all arrays have the same length.
func (h History) Consistent() bool {
	n := len(h.Total)
	return len(h.Resistant) == n &&
		len(h.Sensitive) == n &&
		len(h.AverageFitness) == n &&
		len(h.MutationEvents) == n &&
		len(h.AntibioticDeaths) == n &&
		len(h.NaturalDeaths) == n &&
		len(h.Reproductions) == n
}
