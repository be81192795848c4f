package executor

import (
	"github.com/seantiz/petri/internal/model"
	"github.com/seantiz/petri/internal/population"
)

const (
	// progressInterval is the generation cadence of progress reports. The
	// final generation is always reported.
	progressInterval = 5

	// yieldInterval is how many generations a batch computes before giving
	// other pending requests a turn.
	yieldInterval = 10
)

// Simulator is the population model as seen by the executor.
type Simulator interface {
	Initialize(p model.Parameters) (model.Population, error)
	Step(pop model.Population, p model.Parameters) (model.Population, model.GenerationStats, error)
}

// batch is the resumable state of one multi-generation request. It is shared
// by the worker and the synchronous fallback so both follow the same cadence
// and stop semantics.
type batch struct {
	params  model.Parameters
	total   int
	done    int
	pop     model.Population
	last    model.GenerationStats
	history model.History

	// stopOnExtinction ends the batch once the population is empty.
	stopOnExtinction bool
	// stopped is checked before every generation.
	stopped func() bool
	// interrupt, when set, aborts the batch with an error.
	interrupt func() error
	// progress, when set, receives reports at progressInterval.
	progress func(BatchStepProgress)
}

func newBatch(req BatchStepRequest) *batch {
	return &batch{
		params:  req.Parameters,
		total:   req.Steps,
		pop:     req.Population,
		history: model.NewHistory(req.Steps),
		stopped: func() bool { return false },

		stopOnExtinction: req.StopOnExtinction,
	}
}

// advance computes up to n generations and reports whether the batch has
// finished by reaching its total, by extinction or by being stopped.
func (b *batch) advance(sim Simulator, n int) (bool, error) {
	for i := 0; i < n; i++ {
		if b.finished() {
			return true, nil
		}
		if b.interrupt != nil {
			if err := b.interrupt(); err != nil {
				return true, err
			}
		}

		next, stats, err := sim.Step(b.pop, b.params)
		if err != nil {
			return true, err
		}
		b.pop = next
		b.last = stats
		b.history.Append(stats)
		b.done++
		generationsTotal.Inc()

		if b.progress != nil && (b.done%progressInterval == 0 || b.done == b.total || b.extinct()) {
			b.progress(BatchStepProgress{
				CurrentStep: b.done,
				TotalSteps:  b.total,
				Progress:    float64(b.done) / float64(b.total),
				Population:  b.pop.Clone(),
				Statistics:  stats,
			})
		}
	}
	return b.finished(), nil
}

func (b *batch) finished() bool {
	return b.done >= b.total || b.extinct() || b.stopped()
}

// extinct reports whether a computed generation left no bacteria and the
// batch should end on it.
func (b *batch) extinct() bool {
	return b.stopOnExtinction && b.done > 0 && len(b.pop) == 0
}

// result returns the completion message. With no completed generation the
// statistics summarise the unchanged input population.
func (b *batch) result() BatchStepComplete {
	stats := b.last
	if b.done == 0 {
		stats = population.Summarize(b.pop)
	}
	return BatchStepComplete{
		Population:     b.pop,
		Statistics:     stats,
		History:        b.history,
		CompletedSteps: b.done,
		RequestedSteps: b.total,
	}
}
