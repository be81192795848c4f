package engine

import (
	"sync"

	"github.com/seantiz/petri/internal/model"
)

// subscriberBufferSize is the channel buffer for each progress subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// ProgressEvent is one intermediate report of a batch run.
type ProgressEvent struct {
	RunID        string                `json:"run_id"`
	SimulationID string                `json:"simulation_id"`
	Generation   int                   `json:"generation"`
	CurrentStep  int                   `json:"current_step"`
	TotalSteps   int                   `json:"total_steps"`
	Progress     float64               `json:"progress"`
	Statistics   model.GenerationStats `json:"statistics"`
}

// ProgressBroker fans run progress out to subscribers, keyed by run id.
// It is safe for concurrent use.
//
// A run's topic exists from Open until Forget. Subscribing to a run with
// no topic, or to one that has been closed, yields a closed channel so
// callers never wait on a run that will not publish.
type ProgressBroker struct {
	mu     sync.Mutex
	topics map[string]*progressTopic
}

type progressTopic struct {
	subs   map[int]chan ProgressEvent
	nextID int
	closed bool
}

// NewProgressBroker creates a new progress broker.
func NewProgressBroker() *ProgressBroker {
	return &ProgressBroker{
		topics: make(map[string]*progressTopic),
	}
}

// Open registers a topic for a run about to start. Opening an existing
// topic is a no-op.
func (b *ProgressBroker) Open(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[runID]; !ok {
		b.topics[runID] = &progressTopic{subs: make(map[int]chan ProgressEvent)}
	}
}

// Subscribe returns a channel that receives progress for the given run and
// an unsubscribe function. If the run is unknown, forgotten or already
// finished, the returned channel is immediately closed.
func (b *ProgressBroker) Subscribe(runID string) (<-chan ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan ProgressEvent, subscriberBufferSize)
	t, ok := b.topics[runID]
	if !ok || t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an event to all subscribers of the given run. Events are
// dropped for subscribers whose buffers are full.
func (b *ProgressBroker) Publish(runID string, ev ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Never block the executor's reader on a slow subscriber.
		}
	}
}

// Close signals that the run is over. All subscriber channels are closed
// and future Subscribe calls return a closed channel. The closed topic is
// kept until Forget.
func (b *ProgressBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Forget drops the topic for a run. Subscribers still attached are closed.
func (b *ProgressBroker) Forget(runID string) {
	b.Close(runID)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics, runID)
}
