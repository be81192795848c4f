package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/petri/internal/model"
)

// Progress is an intermediate batch report delivered to BatchOptions.Progress.
type Progress = BatchStepProgress

// Result is the outcome of a completed call.
//
// For Initialize, Statistics summarises the new population and History is
// empty. For Step and BatchStep, Statistics is the last generation's record
// and History holds one entry per completed generation.
type Result struct {
	Population     model.Population      `json:"population"`
	Statistics     model.GenerationStats `json:"statistics"`
	History        model.History         `json:"history"`
	CompletedSteps int                   `json:"completed_steps"`
	RequestedSteps int                   `json:"requested_steps"`
}

// Stopped reports whether a batch ended early, because it was stopped or
// its population died out.
func (r Result) Stopped() bool {
	return r.CompletedSteps < r.RequestedSteps
}

// Call is the deferred result of an executor operation.
type Call struct {
	id       string
	op       Kind
	start    time.Time
	progress func(Progress)
	stopFn   func()

	stopped  atomic.Bool
	stopOnce sync.Once

	done     chan struct{}
	once     sync.Once
	result   Result
	err      error
	cleanups []func() bool
}

func newCall(op Kind) *Call {
	return &Call{
		id:    uuid.NewString(),
		op:    op,
		start: time.Now(),
		done:  make(chan struct{}),
	}
}

// ID returns the correlation id carried by every message of this call.
func (c *Call) ID() string {
	return c.id
}

// Op returns the operation kind.
func (c *Call) Op() Kind {
	return c.op
}

// Done is closed once the call has a result or an error.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call completes or ctx is done. Giving up on ctx does
// not reject the call; use the ctx passed to the operation for that.
func (c *Call) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop asks a running batch to stop at the next generation boundary. The
// batch then completes normally with fewer completed steps than requested.
// It has no effect on other operations or on finished calls.
func (c *Call) Stop() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		if c.stopFn != nil {
			select {
			case <-c.done:
			default:
				c.stopFn()
			}
		}
	})
}

// finish resolves the call once; later resolutions are ignored.
func (c *Call) finish(r Result, err error) bool {
	resolved := false
	c.once.Do(func() {
		for _, stop := range c.cleanups {
			stop()
		}
		c.result, c.err = r, err
		close(c.done)
		resolved = true

		requestsTotal.WithLabelValues(string(c.op), outcome(err)).Inc()
		requestDuration.WithLabelValues(string(c.op)).Observe(time.Since(c.start).Seconds())
	})
	return resolved
}

func outcome(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, ErrTimeout):
		return outcomeTimeout
	case errors.Is(err, ErrTerminated):
		return outcomeTerminated
	case errors.Is(err, ErrUnavailable):
		return outcomeUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeCancelled
	default:
		return outcomeError
	}
}
