package stream

import (
	"encoding/json"
	"testing"
	"time"
)

func statusEvent(t *testing.T, status string) Event {
	t.Helper()
	data, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		t.Fatal(err)
	}
	return Event{Type: EventStatus, Data: data}
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestPublishSubscribe(t *testing.T) {
	h := NewHub(nil)

	ch, cancel := h.Subscribe("a1")
	defer cancel()

	want := statusEvent(t, "in_progress")
	h.Publish("a1", want)

	got := recvEvent(t, ch)
	if got.Type != EventStatus || string(got.Data) != string(want.Data) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestPublishScopedToAnalysis(t *testing.T) {
	h := NewHub(nil)

	ch, cancel := h.Subscribe("a1")
	defer cancel()

	h.Publish("a2", statusEvent(t, "in_progress"))

	select {
	case ev := <-ch:
		t.Errorf("received cross-analysis event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestLateSubscriberGetsRetainedStatus(t *testing.T) {
	h := NewHub(nil)

	h.Publish("a1", statusEvent(t, "pending"))
	h.Publish("a1", statusEvent(t, "in_progress"))

	ch, cancel := h.Subscribe("a1")
	defer cancel()

	got := recvEvent(t, ch)
	if string(got.Data) != `{"status":"in_progress"}` {
		t.Errorf("retained event = %s, want latest status", got.Data)
	}
}

func TestSubscriberSnapshotOverridesRetained(t *testing.T) {
	h := NewHub(nil)
	h.Publish("a1", statusEvent(t, "pending"))

	snap := statusEvent(t, "in_progress")
	ch, cancel := h.Subscribe("a1", snap)
	defer cancel()

	got := recvEvent(t, ch)
	if string(got.Data) != string(snap.Data) {
		t.Errorf("first event = %s, want snapshot", got.Data)
	}
}

func TestResultEventsNotRetained(t *testing.T) {
	h := NewHub(nil)

	h.Publish("a1", Event{Type: EventResult, Data: json.RawMessage(`{"summary":"s"}`)})

	ch, cancel := h.Subscribe("a1")
	defer cancel()

	select {
	case ev := <-ch:
		t.Errorf("late subscriber replayed non-status event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	h := NewHub(nil)

	ch, cancel := h.Subscribe("a1")
	defer cancel()

	// Fill the queue past capacity without draining. Publish must never
	// block; the overflowing subscriber is evicted instead.
	for i := 0; i <= DefaultQueueSize; i++ {
		h.Publish("a1", statusEvent(t, "in_progress"))
	}

	drained := 0
	for range ch {
		drained++
	}
	if drained != DefaultQueueSize {
		t.Errorf("drained %d events, want %d then close", drained, DefaultQueueSize)
	}
}

func TestCloseSendsDoneAndClosesChannel(t *testing.T) {
	h := NewHub(nil)

	ch, cancel := h.Subscribe("a1")
	defer cancel()

	h.Close("a1")

	got := recvEvent(t, ch)
	if got.Type != EventDone {
		t.Errorf("final event = %+v, want done", got)
	}
	if _, ok := <-ch; ok {
		t.Error("channel still open after close")
	}

	// Publishes after close are no-ops.
	h.Publish("a1", statusEvent(t, "completed"))
}

func TestSubscribeAfterCloseGetsDone(t *testing.T) {
	h := NewHub(nil)

	h.Publish("a1", statusEvent(t, "completed"))
	h.Close("a1")

	// A subscriber arriving after the analysis ended must still see the
	// retained state and a done event, never an open stream with no end.
	ch, cancel := h.Subscribe("a1")
	defer cancel()

	got := recvEvent(t, ch)
	if got.Type != EventStatus || string(got.Data) != `{"status":"completed"}` {
		t.Errorf("first event = %+v, want retained status", got)
	}
	if got := recvEvent(t, ch); got.Type != EventDone {
		t.Errorf("second event = %+v, want done", got)
	}
	if _, ok := <-ch; ok {
		t.Error("channel still open after done")
	}
}

func TestSubscribeAfterCloseWithSnapshot(t *testing.T) {
	h := NewHub(nil)
	h.Close("a1")

	snap := statusEvent(t, "failed")
	ch, cancel := h.Subscribe("a1", snap)
	defer cancel()

	if got := recvEvent(t, ch); string(got.Data) != string(snap.Data) {
		t.Errorf("first event = %+v, want snapshot", got)
	}
	if got := recvEvent(t, ch); got.Type != EventDone {
		t.Errorf("second event = %+v, want done", got)
	}
}

func TestCancelIdempotent(t *testing.T) {
	h := NewHub(nil)

	_, cancel := h.Subscribe("a1")
	cancel()
	cancel()

	h.Publish("a1", statusEvent(t, "pending"))
}
