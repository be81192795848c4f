package executor

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/petri/internal/model"
	"github.com/seantiz/petri/internal/population"
)

func testConfig(mode string) Config {
	cfg := DefaultConfig()
	cfg.Mode = mode
	cfg.Seed = 42
	return cfg
}

func newExecutor(t *testing.T, cfg Config, opts Options) *Executor {
	t.Helper()
	e, err := NewWithOptions(cfg, nil, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Terminate(context.Background()) })
	return e
}

func withSim(sim Simulator) Options {
	return Options{NewSimulator: func() Simulator { return sim }}
}

func wait(t *testing.T, c *Call) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := c.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "call %s did not complete", c.ID())
	return res, err
}

func initialize(t *testing.T, e *Executor, p model.Parameters) model.Population {
	t.Helper()
	c, err := e.Initialize(context.Background(), p)
	require.NoError(t, err)
	res, err := wait(t, c)
	require.NoError(t, err)
	return res.Population
}

func TestExecutorInitializeAndStep(t *testing.T) {
	for _, mode := range []string{ModeWorker, ModeSync} {
		t.Run(mode, func(t *testing.T) {
			e := newExecutor(t, testConfig(mode), Options{})
			assert.Equal(t, mode, e.Mode())
			assert.Equal(t, StateReady, e.State())

			p := model.DefaultParameters()
			pop := initialize(t, e, p)
			require.Len(t, pop, p.InitialPopulation)

			c, err := e.Step(context.Background(), pop, p)
			require.NoError(t, err)
			res, err := wait(t, c)
			require.NoError(t, err)

			assert.Equal(t, 1, res.CompletedSteps)
			assert.Equal(t, 1, res.History.Len())
			assert.Equal(t, len(res.Population), res.Statistics.Total)
			assert.Equal(t, population.Summarize(res.Population).Resistant, res.Statistics.Resistant)
		})
	}
}

func TestExecutorWorkerMatchesSync(t *testing.T) {
	p := model.DefaultParameters()

	run := func(mode string) Result {
		e := newExecutor(t, testConfig(mode), Options{})
		pop := initialize(t, e, p)
		c, err := e.BatchStep(context.Background(), pop, p, BatchOptions{Steps: 20})
		require.NoError(t, err)
		res, err := wait(t, c)
		require.NoError(t, err)
		return res
	}

	worker := run(ModeWorker)
	local := run(ModeSync)

	assert.Equal(t, local.History, worker.History)
	require.Len(t, worker.Population, len(local.Population))
	for i := range local.Population {
		assert.Equal(t, local.Population[i].Position, worker.Population[i].Position)
	}
}

func TestExecutorBatchProgress(t *testing.T) {
	for _, mode := range []string{ModeWorker, ModeSync} {
		t.Run(mode, func(t *testing.T) {
			e := newExecutor(t, testConfig(mode), Options{})
			p := model.DefaultParameters()
			pop := initialize(t, e, p)

			var reports []Progress
			c, err := e.BatchStep(context.Background(), pop, p, BatchOptions{
				Steps:    10,
				Progress: func(pr Progress) { reports = append(reports, pr) },
			})
			require.NoError(t, err)
			res, err := wait(t, c)
			require.NoError(t, err)

			require.NotEmpty(t, reports)
			for i := 1; i < len(reports); i++ {
				assert.Greater(t, reports[i].CurrentStep, reports[i-1].CurrentStep)
			}
			last := reports[len(reports)-1]
			assert.Equal(t, 10, last.CurrentStep)
			assert.Equal(t, 10, last.TotalSteps)
			assert.InDelta(t, 1.0, last.Progress, 1e-9)

			assert.False(t, res.Stopped())
			assert.Equal(t, 10, res.CompletedSteps)
			assert.Equal(t, 10, res.History.Len())
			assert.True(t, res.History.Consistent())

			want := population.Summarize(res.Population)
			assert.Equal(t, want.Total, res.Statistics.Total)
			assert.Equal(t, want.Resistant, res.Statistics.Resistant)
			assert.Equal(t, want.Sensitive, res.Statistics.Sensitive)
			assert.InDelta(t, want.AverageFitness, res.Statistics.AverageFitness, 1e-9)
		})
	}
}

func TestExecutorBatchStopSync(t *testing.T) {
	e := newExecutor(t, testConfig(ModeSync), withSim(&fakeSim{}))
	p := model.DefaultParameters()
	pop := initialize(t, e, p)

	stop := make(chan struct{})
	c, err := e.BatchStep(context.Background(), pop, p, BatchOptions{
		Steps: 50,
		Stop:  stop,
		Progress: func(pr Progress) {
			if pr.CurrentStep == 5 {
				close(stop)
			}
		},
	})
	require.NoError(t, err)
	res, err := wait(t, c)
	require.NoError(t, err)

	assert.True(t, res.Stopped())
	assert.Equal(t, 5, res.CompletedSteps)
	assert.Equal(t, 50, res.RequestedSteps)
	assert.Equal(t, 5, res.History.Len())
	assert.Equal(t, 5, res.Population.MaxGeneration())
}

func TestExecutorBatchStopWorker(t *testing.T) {
	e := newExecutor(t, testConfig(ModeWorker), withSim(&fakeSim{delay: 2 * time.Millisecond}))
	p := model.DefaultParameters()
	pop := initialize(t, e, p)

	first := make(chan struct{})
	var once sync.Once
	c, err := e.BatchStep(context.Background(), pop, p, BatchOptions{
		Steps:    500,
		Progress: func(Progress) { once.Do(func() { close(first) }) },
	})
	require.NoError(t, err)

	<-first
	c.Stop()
	res, err := wait(t, c)
	require.NoError(t, err)

	assert.True(t, res.Stopped())
	assert.Less(t, res.CompletedSteps, 500)
	assert.Equal(t, res.CompletedSteps, res.History.Len())
	assert.Equal(t, res.CompletedSteps, res.Population.MaxGeneration())
}

func TestExecutorBatchStopsOnExtinction(t *testing.T) {
	for _, mode := range []string{ModeWorker, ModeSync} {
		t.Run(mode, func(t *testing.T) {
			e := newExecutor(t, testConfig(mode), withSim(&fakeSim{extinctAt: 3}))
			p := model.DefaultParameters()
			pop := initialize(t, e, p)

			var reports []Progress
			c, err := e.BatchStep(context.Background(), pop, p, BatchOptions{
				Steps:            50,
				StopOnExtinction: true,
				Progress:         func(pr Progress) { reports = append(reports, pr) },
			})
			require.NoError(t, err)
			res, err := wait(t, c)
			require.NoError(t, err)

			assert.Empty(t, res.Population)
			assert.Equal(t, 3, res.CompletedSteps)
			assert.Equal(t, 3, res.History.Len())
			assert.Equal(t, 0, res.Statistics.Total)

			// The extinct generation is reported even off the usual cadence.
			require.Len(t, reports, 1)
			assert.Equal(t, 3, reports[0].CurrentStep)
			assert.Equal(t, 0, reports[0].Statistics.Total)
		})
	}
}

func TestExecutorBatchRunsPastExtinctionByDefault(t *testing.T) {
	e := newExecutor(t, testConfig(ModeSync), withSim(&fakeSim{extinctAt: 3}))
	p := model.DefaultParameters()
	pop := initialize(t, e, p)

	c, err := e.BatchStep(context.Background(), pop, p, BatchOptions{Steps: 8})
	require.NoError(t, err)
	res, err := wait(t, c)
	require.NoError(t, err)

	assert.Empty(t, res.Population)
	assert.Equal(t, 8, res.CompletedSteps)
	assert.False(t, res.Stopped())
}

func TestExecutorFailureIsolation(t *testing.T) {
	tests := []struct {
		name string
		mode string
		sim  *fakeSim
	}{
		{"worker panic", ModeWorker, &fakeSim{panicAt: 1}},
		{"sync panic", ModeSync, &fakeSim{panicAt: 1}},
		{"worker error", ModeWorker, &fakeSim{failAt: 1}},
		{"sync error", ModeSync, &fakeSim{failAt: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newExecutor(t, testConfig(tt.mode), withSim(tt.sim))
			p := model.DefaultParameters()
			pop := initialize(t, e, p)

			c, err := e.Step(context.Background(), pop, p)
			require.NoError(t, err)
			_, err = wait(t, c)
			var re *RemoteError
			require.ErrorAs(t, err, &re)

			c, err = e.Step(context.Background(), pop, p)
			require.NoError(t, err)
			res, err := wait(t, c)
			require.NoError(t, err)
			assert.Len(t, res.Population, len(pop))
			assert.Equal(t, StateReady, e.State())
		})
	}
}

func TestExecutorValidation(t *testing.T) {
	e := newExecutor(t, testConfig(ModeWorker), Options{})

	p := model.DefaultParameters()
	p.MutationRate = 0.5
	c, err := e.Initialize(context.Background(), p)
	assert.Nil(t, c)
	assert.ErrorIs(t, err, model.ErrInvalidParameters)

	_, err = e.BatchStep(context.Background(), nil, model.DefaultParameters(), BatchOptions{Steps: 0})
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "steps", ve.Field)
}

func TestExecutorStepTimeout(t *testing.T) {
	cfg := testConfig(ModeWorker)
	cfg.StepTimeout = 20 * time.Millisecond
	e := newExecutor(t, cfg, withSim(&fakeSim{delay: 200 * time.Millisecond}))

	c, err := e.Step(context.Background(), model.Population{{ID: "a"}}, model.DefaultParameters())
	require.NoError(t, err)
	_, err = wait(t, c)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateReady, e.State())
}

func TestExecutorBatchTimeoutCancelsWorker(t *testing.T) {
	cfg := testConfig(ModeWorker)
	cfg.BatchTimeoutBase = 30 * time.Millisecond
	cfg.BatchTimeoutPerStep = 0
	sim := &fakeSim{delay: 5 * time.Millisecond}
	e := newExecutor(t, cfg, withSim(sim))

	c, err := e.BatchStep(context.Background(), model.Population{{ID: "a"}}, model.DefaultParameters(), BatchOptions{Steps: 500})
	require.NoError(t, err)
	_, err = wait(t, c)
	require.ErrorIs(t, err, ErrTimeout)

	// The worker must stop computing once the timed-out batch is cancelled.
	time.Sleep(100 * time.Millisecond)
	before := sim.steps.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, sim.steps.Load())
	assert.Less(t, before, int64(500))
}

func TestExecutorBatchTimeoutSync(t *testing.T) {
	cfg := testConfig(ModeSync)
	cfg.BatchTimeoutBase = 20 * time.Millisecond
	cfg.BatchTimeoutPerStep = 0
	e := newExecutor(t, cfg, withSim(&fakeSim{delay: 5 * time.Millisecond}))

	c, err := e.BatchStep(context.Background(), model.Population{{ID: "a"}}, model.DefaultParameters(), BatchOptions{Steps: 500})
	require.NoError(t, err)
	_, err = wait(t, c)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestExecutorContextCancel(t *testing.T) {
	e := newExecutor(t, testConfig(ModeWorker), withSim(&fakeSim{delay: 5 * time.Millisecond}))

	ctx, cancel := context.WithCancel(context.Background())
	c, err := e.BatchStep(ctx, model.Population{{ID: "a"}}, model.DefaultParameters(), BatchOptions{Steps: 500})
	require.NoError(t, err)
	assert.Equal(t, StateBusy, e.State())

	cancel()
	_, err = wait(t, c)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecutorTerminate(t *testing.T) {
	e := newExecutor(t, testConfig(ModeWorker), withSim(&fakeSim{delay: 5 * time.Millisecond}))

	c, err := e.BatchStep(context.Background(), model.Population{{ID: "a"}}, model.DefaultParameters(), BatchOptions{Steps: 500})
	require.NoError(t, err)

	require.NoError(t, e.Terminate(context.Background()))
	_, err = wait(t, c)
	assert.ErrorIs(t, err, ErrTerminated)
	assert.Equal(t, StateTerminated, e.State())

	_, err = e.Step(context.Background(), nil, model.DefaultParameters())
	assert.ErrorIs(t, err, ErrTerminated)

	assert.NoError(t, e.Terminate(context.Background()), "second terminate")
}

func TestExecutorTerminateInterruptsSyncBatch(t *testing.T) {
	sim := &fakeSim{delay: 2 * time.Millisecond}
	e := newExecutor(t, testConfig(ModeSync), withSim(sim))

	first := make(chan struct{})
	var once sync.Once
	type outcome struct {
		res Result
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		// A synchronous BatchStep computes on the calling goroutine.
		c, err := e.BatchStep(context.Background(), model.Population{{ID: "a"}}, model.DefaultParameters(), BatchOptions{
			Steps:    500,
			Progress: func(Progress) { once.Do(func() { close(first) }) },
		})
		if err != nil {
			out <- outcome{err: err}
			return
		}
		res, err := c.Wait(context.Background())
		out <- outcome{res, err}
	}()

	select {
	case <-first:
	case <-time.After(10 * time.Second):
		t.Fatal("batch never reported progress")
	}
	require.NoError(t, e.Terminate(context.Background()))

	select {
	case o := <-out:
		assert.ErrorIs(t, o.err, ErrTerminated)
	case <-time.After(10 * time.Second):
		t.Fatal("terminate did not interrupt the synchronous batch")
	}

	// Computation stops at the next generation boundary.
	before := sim.steps.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, sim.steps.Load())
	assert.Less(t, before, int64(500))
	assert.Equal(t, StateTerminated, e.State())
}

func TestExecutorUnavailable(t *testing.T) {
	dial := func() (io.ReadWriteCloser, error) { return nil, errors.New("no worker") }

	cfg := testConfig(ModeWorker)
	cfg.Fallback = false
	_, err := NewWithOptions(cfg, nil, Options{Dial: dial})
	assert.ErrorIs(t, err, ErrUnavailable)

	cfg.Fallback = true
	e := newExecutor(t, cfg, Options{Dial: dial})
	assert.Equal(t, ModeSync, e.Mode())
	pop := initialize(t, e, model.DefaultParameters())
	assert.Len(t, pop, model.DefaultParameters().InitialPopulation)
}

func TestExecutorWorkerLost(t *testing.T) {
	tests := []struct {
		name     string
		fallback bool
	}{
		{"with fallback", true},
		{"without fallback", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, guest := net.Pipe()
			defer guest.Close()

			cfg := testConfig(ModeWorker)
			cfg.Fallback = tt.fallback
			e := newExecutor(t, cfg, Options{
				Dial: func() (io.ReadWriteCloser, error) { return host, nil },
			})

			// Drain the request so the write completes, then drop the worker.
			go func() {
				var env Envelope
				_ = ReadMessage(guest, &env)
				guest.Close()
			}()

			c, err := e.Initialize(context.Background(), model.DefaultParameters())
			require.NoError(t, err)
			_, err = wait(t, c)
			require.ErrorIs(t, err, ErrUnavailable)

			if tt.fallback {
				assert.Equal(t, ModeSync, e.Mode())
				pop := initialize(t, e, model.DefaultParameters())
				assert.NotEmpty(t, pop)
				return
			}
			_, err = e.Initialize(context.Background(), model.DefaultParameters())
			assert.ErrorIs(t, err, ErrUnavailable)
		})
	}
}

func TestExecutorConcurrentCallsCorrelate(t *testing.T) {
	e := newExecutor(t, testConfig(ModeWorker), withSim(&fakeSim{}))
	p := model.DefaultParameters()

	var wg sync.WaitGroup
	for n := 1; n <= 8; n++ {
		wg.Go(func() {
			p := p
			p.InitialPopulation = n
			c, err := e.Initialize(context.Background(), p)
			if !assert.NoError(t, err) {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			res, err := c.Wait(ctx)
			if assert.NoError(t, err) {
				assert.Len(t, res.Population, n)
			}
		})
	}
	wg.Wait()
}

func TestExecutorSeedStreams(t *testing.T) {
	e := newExecutor(t, testConfig(ModeSync), Options{})
	p := model.DefaultParameters()

	first, err := e.newSim().Initialize(p)
	require.NoError(t, err)
	second, err := e.newSim().Initialize(p)
	require.NoError(t, err)
	want, err := population.NewModel(population.NewRand(42)).Initialize(p)
	require.NoError(t, err)

	positions := func(pop model.Population) []model.Position {
		out := make([]model.Position, len(pop))
		for i, b := range pop {
			out[i] = b.Position
		}
		return out
	}
	assert.Equal(t, positions(want), positions(first), "first stream uses the configured seed")
	assert.NotEqual(t, positions(first), positions(second), "later streams must not replay the first")
}

func TestExecutorFallbackDoesNotReplayWorkerSeed(t *testing.T) {
	e := newExecutor(t, testConfig(ModeWorker), Options{})
	p := model.DefaultParameters()

	fromWorker := initialize(t, e, p)
	want, err := population.NewModel(population.NewRand(42)).Initialize(p)
	require.NoError(t, err)
	require.Len(t, fromWorker, len(want))
	for i := range want {
		require.Equal(t, want[i].Position, fromWorker[i].Position, "worker uses the configured seed")
	}

	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	e.workerLost(conn, errors.New("connection reset"))
	require.Equal(t, ModeSync, e.Mode())

	fallback := initialize(t, e, p)
	require.Len(t, fallback, len(want))
	same := true
	for i := range want {
		if want[i].Position != fallback[i].Position {
			same = false
			break
		}
	}
	assert.False(t, same, "fallback replayed the worker's random sequence")
}

func TestWorkerArgv(t *testing.T) {
	base := []string{"petri", "worker"}
	argv := workerArgv(base, 42)
	assert.Equal(t, []string{"petri", "worker", "--seed", "42"}, argv)
	assert.Equal(t, []string{"petri", "worker"}, base, "base argv must not be modified")
}

func TestDeriveSeed(t *testing.T) {
	assert.Equal(t, uint64(7), deriveSeed(7, 0))
	assert.NotEqual(t, deriveSeed(7, 1), deriveSeed(7, 2))
	assert.NotEqual(t, deriveSeed(7, 1), deriveSeed(8, 1))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "busy", StateBusy.String())
	assert.Equal(t, "terminated", StateTerminated.String())
}
