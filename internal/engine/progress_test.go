package engine_test

import (
	"testing"

	"github.com/seantiz/petri/internal/engine"
)

func event(step int) engine.ProgressEvent {
	return engine.ProgressEvent{RunID: "r1", CurrentStep: step, TotalSteps: 10}
}

func TestProgressBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewProgressBroker()
	b.Open("r1")
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	for _, step := range []int{5, 10} {
		b.Publish("r1", event(step))
	}
	b.Close("r1")

	var got []int
	for ev := range ch {
		got = append(got, ev.CurrentStep)
	}

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0] != 5 || got[1] != 10 {
		t.Errorf("steps = %v, want [5 10]", got)
	}
}

func TestProgressBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewProgressBroker()
	b.Open("r1")
	ch1, unsub1 := b.Subscribe("r1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("r1")
	defer unsub2()

	b.Publish("r1", event(5))
	b.Close("r1")

	var got1, got2 []engine.ProgressEvent
	for ev := range ch1 {
		got1 = append(got1, ev)
	}
	for ev := range ch2 {
		got2 = append(got2, ev)
	}

	if len(got1) != 1 || got1[0].CurrentStep != 5 {
		t.Errorf("subscriber 1 got %v, want one event at step 5", got1)
	}
	if len(got2) != 1 || got2[0].CurrentStep != 5 {
		t.Errorf("subscriber 2 got %v, want one event at step 5", got2)
	}
}

func TestProgressBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := engine.NewProgressBroker()
	b.Open("r1")
	b.Publish("r1", event(5))
	b.Close("r1")

	ch, unsub := b.Subscribe("r1")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestProgressBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := engine.NewProgressBroker()
	b.Open("r1")
	ch, unsub := b.Subscribe("r1")
	unsub()

	b.Publish("r1", event(5))
	b.Close("r1")

	select {
	case ev, ok := <-ch:
		if ok {
			t.Errorf("got unexpected event %+v after unsubscribe", ev)
		}
	default:
	}
}

func TestProgressBrokerDropsForSlowSubscriber(t *testing.T) {
	b := engine.NewProgressBroker()
	b.Open("r1")
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	// Publish must never block, even past the buffer.
	for i := 0; i < 200; i++ {
		b.Publish("r1", event(i))
	}
	b.Close("r1")

	n := 0
	for range ch {
		n++
	}
	if n == 0 || n >= 200 {
		t.Errorf("received %d events, want between 1 and 199", n)
	}
}

func TestProgressBrokerForget(t *testing.T) {
	b := engine.NewProgressBroker()
	b.Open("r1")
	ch, _ := b.Subscribe("r1")
	b.Forget("r1")

	if _, ok := <-ch; ok {
		t.Error("Forget should close attached subscribers")
	}

	// A forgotten run behaves like an unknown one.
	ch2, unsub := b.Subscribe("r1")
	defer unsub()
	select {
	case _, ok := <-ch2:
		if ok {
			t.Error("subscriber to a forgotten run got an event")
		}
	default:
		t.Error("subscriber to a forgotten run should get a closed channel")
	}
}

func TestProgressBrokerUnknownRunGetsClosed(t *testing.T) {
	b := engine.NewProgressBroker()
	ch, unsub := b.Subscribe("never-started")
	defer unsub()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("subscriber to an unknown run got an event")
		}
	default:
		t.Error("subscriber to an unknown run should get a closed channel")
	}

	// Subscribing must not create a topic that a later Open would reuse.
	b.Open("never-started")
	ch2, unsub2 := b.Subscribe("never-started")
	defer unsub2()
	b.Publish("never-started", event(1))
	if ev := <-ch2; ev.CurrentStep != 1 {
		t.Errorf("step = %d, want 1", ev.CurrentStep)
	}
}

func TestProgressBrokerCloseAfterForgetIsNoop(t *testing.T) {
	b := engine.NewProgressBroker()
	b.Open("r1")
	b.Forget("r1")
	b.Close("r1")

	// Close must not resurrect a forgotten topic; a new Open starts fresh.
	b.Open("r1")
	ch, unsub := b.Subscribe("r1")
	defer unsub()
	select {
	case <-ch:
		t.Error("reopened run should not be closed")
	default:
	}
}

func TestProgressBrokerPublishToUnknownRunIsNoop(t *testing.T) {
	b := engine.NewProgressBroker()
	b.Publish("nonexistent", event(1))
	b.Close("nonexistent")
}
