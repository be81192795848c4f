package executor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/seantiz/petri/internal/model"
	"github.com/seantiz/petri/internal/population"
)

// task is one unit of scheduled work. run reports whether the task is
// finished; unfinished tasks go to the back of the queue.
type task struct {
	id  string
	run func() bool
}

// Worker is the background execution context. It reads requests from conn,
// runs them one at a time on a single scheduler loop and writes responses
// back. Batch requests give up the loop every yieldInterval generations so
// queued requests are not starved.
type Worker struct {
	conn   io.ReadWriteCloser
	sim    Simulator
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	queue   []task
	cancels map[string]*atomic.Bool
	closed  bool
	wake    chan struct{}
}

// NewWorker creates a worker serving conn with sim.
func NewWorker(conn io.ReadWriteCloser, sim Simulator, logger *slog.Logger) *Worker {
	return &Worker{
		conn:    conn,
		sim:     sim,
		logger:  logger,
		cancels: make(map[string]*atomic.Bool),
		wake:    make(chan struct{}, 1),
	}
}

// Serve handles requests until a Terminate message arrives or the connection
// is closed. A clean shutdown returns nil.
func (w *Worker) Serve() error {
	readErr := make(chan error, 1)
	go func() {
		readErr <- w.readLoop()
	}()

	for {
		t, ok := w.next()
		if !ok {
			break
		}
		if !w.runTask(t) {
			w.enqueue(t)
		}
	}

	w.conn.Close()
	return <-readErr
}

// readLoop decodes incoming frames and turns them into scheduled tasks.
// Cancel and Terminate take effect immediately, without queueing.
func (w *Worker) readLoop() error {
	defer w.shutdown()

	for {
		id, msg, err := Receive(w.conn)
		if err != nil {
			if isClosed(err) {
				return nil
			}
			if msg == nil && id != "" {
				// Frame was intact but the body was not understood.
				w.send(id, ErrorResponse{Code: CodeProtocol, Message: err.Error()})
				continue
			}
			return fmt.Errorf("read request: %w", err)
		}

		switch m := msg.(type) {
		case TerminateRequest:
			w.logger.Debug("worker terminating", "request_id", id)
			return nil
		case CancelRequest:
			w.cancel(id)
		case InitializeRequest:
			w.enqueue(task{id: id, run: func() bool {
				w.handleInitialize(id, m)
				return true
			}})
		case StepRequest:
			w.enqueue(task{id: id, run: func() bool {
				w.handleStep(id, m)
				return true
			}})
		case BatchStepRequest:
			w.enqueue(w.batchTask(id, m))
		case InitializeComplete, StepComplete, BatchStepProgress, BatchStepComplete, ErrorResponse:
			w.send(id, ErrorResponse{Code: CodeProtocol, Message: fmt.Sprintf("unexpected message type %q", m.Kind())})
		}
	}
}

func (w *Worker) handleInitialize(id string, req InitializeRequest) {
	pop, err := w.sim.Initialize(req.Parameters)
	if err != nil {
		w.sendError(id, err)
		return
	}
	w.send(id, InitializeComplete{
		Population: pop,
		Statistics: population.Summarize(pop),
	})
}

func (w *Worker) handleStep(id string, req StepRequest) {
	pop, stats, err := w.sim.Step(req.Population, req.Parameters)
	if err != nil {
		w.sendError(id, err)
		return
	}
	w.send(id, StepComplete{Population: pop, Statistics: stats})
}

// batchTask registers a cancel flag for id and returns a task that advances
// the batch yieldInterval generations per turn.
func (w *Worker) batchTask(id string, req BatchStepRequest) task {
	flag := new(atomic.Bool)
	w.mu.Lock()
	w.cancels[id] = flag
	w.mu.Unlock()

	b := newBatch(req)
	b.stopped = flag.Load
	if req.ReportProgress {
		b.progress = func(p BatchStepProgress) {
			w.send(id, p)
		}
	}

	return task{id: id, run: func() bool {
		done, err := b.advance(w.sim, yieldInterval)
		if err != nil {
			w.forget(id)
			w.sendError(id, err)
			return true
		}
		if !done {
			return false
		}
		w.forget(id)
		w.send(id, b.result())
		return true
	}}
}

// runTask runs t, converting a panic into an error response for t alone.
func (w *Worker) runTask(t task) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("request panicked", "request_id", t.id, "panic", r)
			w.forget(t.id)
			w.send(t.id, ErrorResponse{Code: CodeRemote, Message: fmt.Sprint(r)})
			done = true
		}
	}()
	return t.run()
}

func (w *Worker) enqueue(t task) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, t)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// next blocks until a task is queued or the worker shuts down.
func (w *Worker) next() (task, bool) {
	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return task{}, false
		}
		if len(w.queue) > 0 {
			t := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()
			return t, true
		}
		w.mu.Unlock()
		<-w.wake
	}
}

func (w *Worker) shutdown() {
	w.mu.Lock()
	w.closed = true
	w.queue = nil
	for _, flag := range w.cancels {
		flag.Store(true)
	}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) cancel(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if flag, ok := w.cancels[id]; ok {
		flag.Store(true)
	}
}

func (w *Worker) forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.cancels, id)
}

func (w *Worker) sendError(id string, err error) {
	resp := ErrorResponse{Code: CodeRemote, Message: err.Error()}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		resp.Code = CodeValidation
		resp.Validation = ve
	}
	w.send(id, resp)
}

func (w *Worker) send(id string, m Message) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := Send(w.conn, id, m); err != nil {
		w.logger.Debug("write response", "request_id", id, "type", m.Kind(), "error", err)
	}
}

// isClosed reports whether err means the peer went away.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}

// stdio adapts a reader/writer pair into the worker connection.
type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error { return nil }

// ServeStdio runs a worker on stdin/stdout. Used by the worker subcommand,
// which an Executor launches as an external process.
func ServeStdio(sim Simulator, logger *slog.Logger) error {
	return NewWorker(stdio{Reader: os.Stdin, Writer: os.Stdout}, sim, logger).Serve()
}
