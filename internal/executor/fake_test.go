package executor

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/seantiz/petri/internal/model"
	"github.com/seantiz/petri/internal/population"
)

var errFake = errors.New("fake failure")

// fakeSim ages every bacterium and deepens its lineage by one per step,
// keeping the population otherwise unchanged.
type fakeSim struct {
	delay   time.Duration
	panicAt int64 // panic on this Step call, 1-based; 0 never
	failAt  int64 // fail on this Step call, 1-based; 0 never
	// extinctAt empties the population on this Step call, 1-based; 0 never.
	extinctAt int64
	steps     atomic.Int64
}

func (f *fakeSim) Initialize(p model.Parameters) (model.Population, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	pop := make(model.Population, p.InitialPopulation)
	for i := range pop {
		pop[i] = model.Bacterium{ID: model.NewID(), Fitness: 1, Size: 4, Color: population.ColorSensitive}
	}
	return pop, nil
}

func (f *fakeSim) Step(pop model.Population, p model.Parameters) (model.Population, model.GenerationStats, error) {
	n := f.steps.Add(1)
	if f.panicAt != 0 && n == f.panicAt {
		panic("fake panic")
	}
	if f.failAt != 0 && n == f.failAt {
		return nil, model.GenerationStats{}, errFake
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.extinctAt != 0 && n >= f.extinctAt {
		return model.Population{}, population.Summarize(nil), nil
	}
	next := pop.Clone()
	for i := range next {
		next[i].Age++
		next[i].Generation++
	}
	return next, population.Summarize(next), nil
}
