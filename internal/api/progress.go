package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleStreamProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		latest, err := s.engine.RunID(r.Context(), id)
		if err != nil {
			s.writeEngineError(w, "get run", err)
			return
		}
		runID = latest
	} else if _, err := s.engine.Get(r.Context(), id); err != nil {
		s.writeEngineError(w, "get simulation", err)
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	sseStreamsActive.Inc()
	defer sseStreamsActive.Dec()

	// No run yet: there is nothing to follow.
	if runID == "" {
		s.writeDone(w, r, id)
		return
	}

	// Subscribe on a finished run returns a closed channel, so the loop
	// below falls straight through to the done event.
	ch, unsub := s.engine.Broker().Subscribe(runID)
	defer unsub()

	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				s.writeDone(w, r, id)
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode progress event", "error", err)
				continue
			}
			if err := writeSSEEvent(w, "progress", string(data)); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeDone sends the final snapshot of the simulation, without its
// population, as the done event.
func (s *Server) writeDone(w http.ResponseWriter, r *http.Request, id string) {
	data := []byte("{}")
	if sim, err := s.engine.Get(r.Context(), id); err == nil {
		sim.Population = nil
		if b, err := json.Marshal(sim); err == nil {
			data = b
		}
	}
	_ = writeSSEEvent(w, "done", string(data))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
// data must not contain newlines; JSON payloads never do.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
