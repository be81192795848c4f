package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/petri/internal/model"
	"github.com/seantiz/petri/internal/population"
)

// Execution modes.
const (
	ModeWorker = "worker"
	ModeSync   = "sync"
)

// State is the lifecycle state of an Executor.
type State int

const (
	StateReady State = iota
	StateBusy
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config controls how an Executor runs the model.
type Config struct {
	// Mode is ModeWorker or ModeSync.
	Mode string `yaml:"mode"`
	// Fallback switches to synchronous execution when the worker cannot be
	// started or is lost.
	Fallback bool `yaml:"fallback"`
	// Seed seeds the model's random source. Zero picks a time-based seed.
	Seed uint64 `yaml:"seed"`
	// StepTimeout bounds Initialize and Step calls.
	StepTimeout time.Duration `yaml:"step_timeout"`
	// BatchTimeoutBase plus BatchTimeoutPerStep per requested step bounds a
	// BatchStep call.
	BatchTimeoutBase    time.Duration `yaml:"batch_timeout_base"`
	BatchTimeoutPerStep time.Duration `yaml:"batch_timeout_per_step"`
	// WorkerCommand, when set, runs the worker as an external process
	// speaking the protocol on its stdin and stdout. Its seed stream is
	// appended as --seed.
	WorkerCommand []string `yaml:"worker_command"`
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		Mode:                ModeWorker,
		Fallback:            true,
		StepTimeout:         30 * time.Second,
		BatchTimeoutBase:    30 * time.Second,
		BatchTimeoutPerStep: time.Second,
	}
}

func (c Config) batchTimeout(steps int) time.Duration {
	return c.BatchTimeoutBase + time.Duration(steps)*c.BatchTimeoutPerStep
}

// Options are optional hooks, mostly for tests.
type Options struct {
	// NewSimulator builds the model used by the in-process worker and by
	// synchronous execution.
	NewSimulator func() Simulator
	// Dial opens the connection to a worker. The default starts an
	// in-process worker, or WorkerCommand when configured.
	Dial func() (io.ReadWriteCloser, error)
}

// BatchOptions configure a BatchStep call.
type BatchOptions struct {
	Steps int
	// Progress receives intermediate reports. It runs on the executor's
	// reader goroutine and should return quickly.
	Progress func(Progress)
	// Stop, when closed, stops the batch at the next generation boundary.
	Stop <-chan struct{}
	// StopOnExtinction ends the batch after the first generation that
	// leaves no bacteria.
	StopOnExtinction bool
}

// Executor runs the population model in a background worker and correlates
// its responses with pending calls.
type Executor struct {
	cfg    Config
	logger *slog.Logger
	newSim func() Simulator
	dial   func() (io.ReadWriteCloser, error)

	// seed is the resolved base seed; streams counts the models derived
	// from it so no two share a random sequence.
	seed    uint64
	streams atomic.Uint64

	mu         sync.Mutex
	terminated bool
	mode       string
	pending    map[string]*Call
	conn       io.ReadWriteCloser
	readDone   chan struct{}

	// closing is closed by Terminate so synchronous work stops early.
	closing chan struct{}

	writeMu sync.Mutex

	// simMu serialises synchronous computation on sim.
	simMu sync.Mutex
	sim   Simulator
}

// New creates an executor with default options.
func New(cfg Config, logger *slog.Logger) (*Executor, error) {
	return NewWithOptions(cfg, logger, Options{})
}

// NewWithOptions creates an executor and starts its worker. When the worker
// cannot be started, the executor runs synchronously if cfg.Fallback is set
// and fails with ErrUnavailable otherwise.
func NewWithOptions(cfg Config, logger *slog.Logger, opts Options) (*Executor, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Executor{
		cfg:     cfg,
		logger:  logger,
		newSim:  opts.NewSimulator,
		dial:    opts.Dial,
		pending: make(map[string]*Call),
		closing: make(chan struct{}),
		seed:    cfg.Seed,
	}
	if e.seed == 0 {
		e.seed = uint64(time.Now().UnixNano())
	}
	if e.newSim == nil {
		e.newSim = func() Simulator {
			return population.NewModel(population.NewRand(e.nextSeed()))
		}
	}
	if e.dial == nil {
		e.dial = e.defaultDial
	}

	switch cfg.Mode {
	case ModeSync:
		e.mode = ModeSync
	case ModeWorker, "":
		if err := e.startWorker(); err != nil {
			if !cfg.Fallback {
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			logger.Warn("worker unavailable, running synchronously", "error", err)
			e.mode = ModeSync
		}
	default:
		return nil, fmt.Errorf("unknown executor mode %q", cfg.Mode)
	}

	activeExecutors.Inc()
	logger.Debug("executor ready", "mode", e.mode)
	return e, nil
}

// nextSeed returns the seed of the next model stream. The first stream
// uses the base seed itself.
func (e *Executor) nextSeed() uint64 {
	return deriveSeed(e.seed, e.streams.Add(1)-1)
}

// deriveSeed spreads stream n of base with the 64-bit golden ratio.
func deriveSeed(base, n uint64) uint64 {
	return base + n*0x9e3779b97f4a7c15
}

// workerArgv appends the seed flag understood by "petri worker".
func workerArgv(argv []string, seed uint64) []string {
	out := make([]string, 0, len(argv)+2)
	out = append(out, argv...)
	return append(out, "--seed", strconv.FormatUint(seed, 10))
}

// defaultDial starts WorkerCommand, or an in-process worker over a pipe.
// Either way the worker takes its own seed stream, so a synchronous
// fallback never replays the worker's sequence.
func (e *Executor) defaultDial() (io.ReadWriteCloser, error) {
	if len(e.cfg.WorkerCommand) > 0 {
		return startProcess(workerArgv(e.cfg.WorkerCommand, e.nextSeed()), e.logger)
	}
	host, guest := net.Pipe()
	w := NewWorker(guest, e.newSim(), e.logger.With("component", "worker"))
	go func() {
		if err := w.Serve(); err != nil {
			e.logger.Warn("worker stopped", "error", err)
		}
	}()
	return host, nil
}

func (e *Executor) startWorker() error {
	conn, err := e.dial()
	if err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	e.conn = conn
	e.mode = ModeWorker
	e.readDone = make(chan struct{})
	go e.readLoop(conn, e.readDone)
	return nil
}

// State reports the executor's lifecycle state. An executor is busy while
// any call is pending.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.terminated:
		return StateTerminated
	case len(e.pending) > 0:
		return StateBusy
	default:
		return StateReady
	}
}

// Mode reports whether calls currently go to the worker or run synchronously.
func (e *Executor) Mode() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Initialize seeds a new population.
func (e *Executor) Initialize(ctx context.Context, p model.Parameters) (*Call, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	c := newCall(KindInitialize)
	req := InitializeRequest{Parameters: p}
	return e.submit(ctx, c, req, e.cfg.StepTimeout, func(sim Simulator, _ func() error) (Result, error) {
		pop, err := sim.Initialize(p)
		if err != nil {
			return Result{}, err
		}
		return Result{Population: pop, Statistics: population.Summarize(pop)}, nil
	})
}

// Step computes one generation from pop.
func (e *Executor) Step(ctx context.Context, pop model.Population, p model.Parameters) (*Call, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	c := newCall(KindStep)
	req := StepRequest{Population: pop, Parameters: p}
	return e.submit(ctx, c, req, e.cfg.StepTimeout, func(sim Simulator, _ func() error) (Result, error) {
		next, stats, err := sim.Step(pop.Clone(), p)
		if err != nil {
			return Result{}, err
		}
		return stepResult(next, stats), nil
	})
}

// BatchStep computes opts.Steps consecutive generations from pop.
func (e *Executor) BatchStep(ctx context.Context, pop model.Population, p model.Parameters, opts BatchOptions) (*Call, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if opts.Steps < 1 || opts.Steps > model.MaxDuration {
		return nil, &model.ValidationError{Field: "steps", Value: float64(opts.Steps), Min: 1, Max: model.MaxDuration}
	}

	c := newCall(KindBatchStep)
	c.progress = opts.Progress
	req := BatchStepRequest{
		Population:       pop,
		Parameters:       p,
		Steps:            opts.Steps,
		ReportProgress:   opts.Progress != nil,
		StopOnExtinction: opts.StopOnExtinction,
	}
	_, err := e.submit(ctx, c, req, e.cfg.batchTimeout(opts.Steps), func(sim Simulator, interrupt func() error) (Result, error) {
		req.Population = pop.Clone()
		b := newBatch(req)
		b.stopped = func() bool {
			select {
			case <-opts.Stop:
				return true
			default:
				return c.stopped.Load()
			}
		}
		b.interrupt = interrupt
		b.progress = opts.Progress
		for {
			done, err := b.advance(sim, yieldInterval)
			if err != nil {
				return Result{}, err
			}
			if done {
				return batchResult(b.result()), nil
			}
			runtime.Gosched()
		}
	})
	if err != nil {
		return nil, err
	}
	if opts.Stop != nil {
		go func() {
			select {
			case <-opts.Stop:
				c.Stop()
			case <-c.done:
			}
		}()
	}
	return c, nil
}

// submit routes c to the worker, or runs local when the executor is
// synchronous.
func (e *Executor) submit(ctx context.Context, c *Call, req Message, timeout time.Duration, local func(Simulator, func() error) (Result, error)) (*Call, error) {
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return nil, ErrTerminated
	}
	conn := e.conn
	if conn == nil && e.mode == ModeWorker {
		e.mu.Unlock()
		return nil, ErrUnavailable
	}
	if conn == nil {
		e.pending[c.id] = c
		e.mu.Unlock()
		e.runLocal(ctx, c, timeout, local)
		return c, nil
	}

	// Timers are armed under e.mu; their callbacks need it too, so they
	// cannot observe the call before it is pending.
	c.cleanups = append(c.cleanups,
		time.AfterFunc(timeout, func() { e.abandon(c, fmt.Errorf("%s after %s: %w", c.op, timeout, ErrTimeout)) }).Stop,
		context.AfterFunc(ctx, func() { e.abandon(c, ctx.Err()) }),
	)
	c.stopFn = func() { e.sendCancel(c.id) }
	e.pending[c.id] = c
	e.mu.Unlock()

	if err := e.write(conn, c.id, req); err != nil {
		e.complete(c.id, Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	return c, nil
}

// runLocal computes c on the calling goroutine. c is resolved on return.
func (e *Executor) runLocal(ctx context.Context, c *Call, timeout time.Duration, local func(Simulator, func() error) (Result, error)) {
	deadline := time.Now().Add(timeout)
	interrupt := func() error {
		select {
		case <-e.closing:
			return ErrTerminated
		default:
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s after %s: %w", c.op, timeout, ErrTimeout)
		}
		return nil
	}

	res, err := e.compute(c, local, interrupt)
	e.complete(c.id, res, err)
}

func (e *Executor) compute(c *Call, local func(Simulator, func() error) (Result, error), interrupt func() error) (res Result, err error) {
	e.simMu.Lock()
	defer e.simMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("request panicked", "request_id", c.id, "op", c.op, "panic", r)
			res, err = Result{}, &RemoteError{Message: fmt.Sprint(r)}
		}
	}()

	if e.sim == nil {
		e.sim = e.newSim()
	}
	if err := interrupt(); err != nil {
		return Result{}, err
	}
	res, err = local(e.sim, interrupt)
	return res, localError(err)
}

// localError gives synchronous failures the shape they have when they come
// back from the worker.
func localError(err error) error {
	var ve *model.ValidationError
	switch {
	case err == nil,
		errors.As(err, &ve),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrTerminated),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return &RemoteError{Message: err.Error()}
}

// abandon rejects a pending worker call with err. A batch is also cancelled
// on the worker so it stops computing.
func (e *Executor) abandon(c *Call, err error) {
	if !e.complete(c.id, Result{}, err) {
		return
	}
	e.logger.Debug("request abandoned", "request_id", c.id, "op", c.op, "error", err)
	if c.op == KindBatchStep {
		e.sendCancel(c.id)
	}
}

// complete removes id from the pending set and resolves it. It reports
// whether id was pending.
func (e *Executor) complete(id string, r Result, err error) bool {
	e.mu.Lock()
	c, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	return c.finish(r, err)
}

func (e *Executor) sendCancel(id string) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return
	}
	if err := e.write(conn, id, CancelRequest{}); err != nil {
		e.logger.Debug("send cancel", "request_id", id, "error", err)
	}
}

func (e *Executor) write(conn io.Writer, id string, m Message) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return Send(conn, id, m)
}

// readLoop routes worker responses to pending calls until conn fails.
func (e *Executor) readLoop(conn io.ReadWriteCloser, done chan struct{}) {
	defer close(done)

	for {
		id, msg, err := Receive(conn)
		if err != nil {
			if msg == nil && id != "" {
				e.complete(id, Result{}, fmt.Errorf("decode response: %w", err))
				continue
			}
			e.workerLost(conn, err)
			return
		}

		switch m := msg.(type) {
		case BatchStepProgress:
			e.deliverProgress(id, m)
		case InitializeComplete:
			e.complete(id, Result{Population: m.Population, Statistics: m.Statistics}, nil)
		case StepComplete:
			e.complete(id, stepResult(m.Population, m.Statistics), nil)
		case BatchStepComplete:
			e.complete(id, batchResult(m), nil)
		case ErrorResponse:
			e.complete(id, Result{}, errorFromResponse(m))
		case InitializeRequest, StepRequest, BatchStepRequest, TerminateRequest, CancelRequest:
			e.logger.Warn("unexpected request from worker", "request_id", id, "type", m.Kind())
		}
	}
}

func (e *Executor) deliverProgress(id string, p BatchStepProgress) {
	e.mu.Lock()
	c, ok := e.pending[id]
	e.mu.Unlock()
	if !ok || c.progress == nil {
		return
	}
	c.progress(p)
}

// workerLost rejects every pending call after the worker connection fails.
// With fallback enabled, later calls run synchronously.
func (e *Executor) workerLost(conn io.ReadWriteCloser, cause error) {
	e.mu.Lock()
	if e.conn != conn {
		// Closed by Terminate.
		e.mu.Unlock()
		return
	}
	e.conn = nil
	calls := e.pending
	e.pending = make(map[string]*Call)
	if e.cfg.Fallback {
		e.mode = ModeSync
	}
	e.mu.Unlock()

	conn.Close()
	e.logger.Warn("worker lost", "error", cause, "pending", len(calls), "fallback", e.cfg.Fallback)

	err := fmt.Errorf("%w: %v", ErrUnavailable, cause)
	for _, c := range calls {
		c.finish(Result{}, err)
	}
}

// Terminate rejects every pending call with ErrTerminated, stops the worker
// and releases its resources. It is idempotent.
func (e *Executor) Terminate(ctx context.Context) error {
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return nil
	}
	e.terminated = true
	close(e.closing)
	calls := e.pending
	e.pending = make(map[string]*Call)
	conn, done := e.conn, e.readDone
	e.conn = nil
	e.mu.Unlock()

	activeExecutors.Dec()
	for _, c := range calls {
		c.finish(Result{}, ErrTerminated)
	}
	if conn == nil {
		return nil
	}

	sent := make(chan error, 1)
	go func() {
		sent <- e.write(conn, uuid.NewString(), TerminateRequest{})
	}()
	select {
	case err := <-sent:
		if err != nil {
			e.logger.Debug("send terminate", "error", err)
		}
	case <-ctx.Done():
	}
	conn.Close()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("terminate: %w", ctx.Err())
	}
}

func stepResult(pop model.Population, stats model.GenerationStats) Result {
	h := model.NewHistory(1)
	h.Append(stats)
	return Result{
		Population:     pop,
		Statistics:     stats,
		History:        h,
		CompletedSteps: 1,
		RequestedSteps: 1,
	}
}

func batchResult(m BatchStepComplete) Result {
	return Result{
		Population:     m.Population,
		Statistics:     m.Statistics,
		History:        m.History,
		CompletedSteps: m.CompletedSteps,
		RequestedSteps: m.RequestedSteps,
	}
}
