package model

import (
	"errors"
	"fmt"
)

// Parameter bounds.
const (
	MinInitialPopulation = 1
	MaxInitialPopulation = 1000
	MinGrowthRate        = 0.001
	MaxGrowthRate        = 1.0
	MaxMutationRate      = 0.1
	MinDuration          = 1
	MaxDuration          = 1000
	MinArenaSize         = 100
	MaxArenaSize         = 800
)

// ErrInvalidParameters is matched by every ValidationError.
var ErrInvalidParameters = errors.New("invalid simulation parameters")

// ValidationError reports a parameter outside its declared bounds.
type ValidationError struct {
	Field        string  `json:"field"`
	Value        float64 `json:"value"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	MinExclusive bool    `json:"min_exclusive,omitempty"`
}

func (e *ValidationError) Error() string {
	open := "["
	if e.MinExclusive {
		open = "("
	}
	return fmt.Sprintf("%s = %v is outside %s%v, %v]", e.Field, e.Value, open, e.Min, e.Max)
}

// Is lets errors.Is(err, ErrInvalidParameters) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidParameters
}

// Parameters configure one simulation.
type Parameters struct {
	InitialPopulation       int     `json:"initial_population" yaml:"initial_population"`
	GrowthRate              float64 `json:"growth_rate" yaml:"growth_rate"`
	AntibioticConcentration float64 `json:"antibiotic_concentration" yaml:"antibiotic_concentration"`
	MutationRate            float64 `json:"mutation_rate" yaml:"mutation_rate"`
	Duration                int     `json:"duration" yaml:"duration"`
	ArenaSize               float64 `json:"arena_size" yaml:"arena_size"`
}

// DefaultParameters returns a moderate, valid parameter set.
func DefaultParameters() Parameters {
	return Parameters{
		InitialPopulation:       100,
		GrowthRate:              0.1,
		AntibioticConcentration: 0.3,
		MutationRate:            0.01,
		Duration:                100,
		ArenaSize:               400,
	}
}

// Arena returns the arena described by the parameters.
func (p Parameters) Arena() Arena {
	return Arena{Size: p.ArenaSize}
}

// Validate returns a *ValidationError for the first out-of-range field.
func (p Parameters) Validate() error {
	switch {
	case p.InitialPopulation < MinInitialPopulation || p.InitialPopulation > MaxInitialPopulation:
		return &ValidationError{Field: "initial_population", Value: float64(p.InitialPopulation), Min: MinInitialPopulation, Max: MaxInitialPopulation}
	case !(p.GrowthRate > MinGrowthRate && p.GrowthRate <= MaxGrowthRate):
		return &ValidationError{Field: "growth_rate", Value: p.GrowthRate, Min: MinGrowthRate, Max: MaxGrowthRate, MinExclusive: true}
	case !(p.AntibioticConcentration >= 0 && p.AntibioticConcentration <= 1):
		return &ValidationError{Field: "antibiotic_concentration", Value: p.AntibioticConcentration, Min: 0, Max: 1}
	case !(p.MutationRate >= 0 && p.MutationRate <= MaxMutationRate):
		return &ValidationError{Field: "mutation_rate", Value: p.MutationRate, Min: 0, Max: MaxMutationRate}
	case p.Duration < MinDuration || p.Duration > MaxDuration:
		return &ValidationError{Field: "duration", Value: float64(p.Duration), Min: MinDuration, Max: MaxDuration}
	case !(p.ArenaSize >= MinArenaSize && p.ArenaSize <= MaxArenaSize):
		return &ValidationError{Field: "arena_size", Value: p.ArenaSize, Min: MinArenaSize, Max: MaxArenaSize}
	}
	return nil
}
