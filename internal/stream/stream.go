// Package stream fans out per-analysis progress events to subscribers.
// Each analysis has its own channel list inside a shared hub; slow
// subscribers are dropped rather than allowed to stall publishers.
package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Event types emitted over an analysis stream.
const (
	EventStatus = "status"
	EventResult = "result"
	EventError  = "error"
	EventDone   = "done"
)

// Event is one progress update for a single analysis.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DefaultQueueSize bounds each subscriber's buffered channel.
const DefaultQueueSize = 16

type topic struct {
	subs   map[chan Event]struct{}
	last   []Event // replayed to late subscribers, status events only
	closed bool
}

// Hub routes events by analysis id.
type Hub struct {
	mu        sync.Mutex
	topics    map[string]*topic
	queueSize int
	logger    *slog.Logger
}

// NewHub creates an empty hub. A nil logger disables drop logging.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		topics:    make(map[string]*topic),
		queueSize: DefaultQueueSize,
		logger:    logger,
	}
}

// Publish delivers an event to every subscriber of the analysis. Subscribers
// whose queue is full are dropped. Status events are retained so that a late
// subscriber sees the most recent state first.
func (h *Hub) Publish(analysisID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topics[analysisID]
	if t == nil {
		t = &topic{subs: make(map[chan Event]struct{})}
		h.topics[analysisID] = t
	}
	if t.closed {
		return
	}
	if ev.Type == EventStatus {
		t.last = []Event{ev}
	}

	for ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Queue full: the subscriber is not keeping up.
			delete(t.subs, ch)
			close(ch)
			h.logger.Warn("dropped slow stream subscriber", "analysis_id", analysisID)
		}
	}
}

// Subscribe registers a new subscriber for the analysis. The snapshot events,
// if any, are queued before live events so a late subscriber catches up on
// current state; the hub's own retained status event is queued after them.
// Subscribing to a closed analysis yields the retained state, a done event
// and an already-closed channel. The returned cancel function must be called
// when the subscriber is done.
func (h *Hub) Subscribe(analysisID string, snapshot ...Event) (<-chan Event, func()) {
	ch := make(chan Event, h.queueSize)

	h.mu.Lock()
	t := h.topics[analysisID]
	if t == nil {
		t = &topic{subs: make(map[chan Event]struct{})}
		h.topics[analysisID] = t
	}
	for _, ev := range snapshot {
		ch <- ev
	}
	if len(snapshot) == 0 {
		for _, ev := range t.last {
			ch <- ev
		}
	}
	if t.closed {
		ch <- Event{Type: EventDone}
		close(ch)
		h.mu.Unlock()
		return ch, func() {}
	}
	t.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := t.subs[ch]; ok {
			delete(t.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Close publishes a final done event and closes all subscriber channels.
// The topic stays behind as a closed tombstone: a Subscribe that races with
// the end of an analysis still observes the retained state and a done event
// instead of waiting on a stream that will never produce one. Further
// publishes for the id are no-ops.
func (h *Hub) Close(analysisID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topics[analysisID]
	if t == nil {
		t = &topic{}
		h.topics[analysisID] = t
	}
	if t.closed {
		return
	}
	t.closed = true
	done := Event{Type: EventDone}
	for ch := range t.subs {
		select {
		case ch <- done:
		default:
		}
		close(ch)
	}
	t.subs = nil
}
