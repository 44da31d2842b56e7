package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/qualagents/qualagents/internal/storage"
	"github.com/qualagents/qualagents/internal/stream"
)

// handleEvents streams analysis progress as server-sent events. A subscriber
// always receives a status snapshot first; for a terminal analysis that is
// immediately followed by done and the stream ends.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		an, err := deps.Analyses.GetJob(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "analysis %s not found", id)
				return
			}
			deps.Logger.Error("events lookup failed", "analysis_id", id, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load analysis")
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		snapshot := statusSnapshot(an)
		if an.Status.Terminal() {
			writeSSE(w, flusher, snapshot)
			writeSSE(w, flusher, stream.Event{Type: stream.EventDone})
			return
		}

		events, cancel := deps.Streams.Subscribe(id, snapshot)
		defer cancel()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, open := <-events:
				if !open {
					return
				}
				writeSSE(w, flusher, ev)
				if ev.Type == stream.EventDone {
					return
				}
			}
		}
	}
}

func statusSnapshot(an storage.Analysis) stream.Event {
	data, _ := json.Marshal(map[string]string{
		"id":     an.ID,
		"status": string(an.Status),
		"detail": an.ErrorDetail,
	})
	return stream.Event{Type: stream.EventStatus, Data: data}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev stream.Event) {
	if len(ev.Data) > 0 {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, ev.Data)
	} else {
		fmt.Fprintf(w, "event: %s\ndata: {}\n\n", ev.Type)
	}
	flusher.Flush()
}
