package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/seantiz/escrowd/internal/model"
)

// eventHistoryResponse is the JSON response for
// GET /v1/engagements/{id}/events/history.
type eventHistoryResponse struct {
	EngagementID int64         `json:"engagement_id"`
	Events       []model.Event `json:"events"`
}

// handleStreamEvents replays an engagement's history as SSE, then follows
// live events until the engagement completes or the client goes away.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.engagementID(w, r)
	if !ok {
		return
	}

	eng, err := s.engine.GetEngagement(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, "get engagement for events", err)
		return
	}

	// Subscribe before reading history so nothing committed in between is
	// lost; live events already in the history are skipped by seq.
	var ch <-chan model.Event
	if !eng.Terminal() {
		var unsub func()
		ch, unsub = s.engine.Broker().Subscribe(id)
		defer unsub()
	}

	history, err := s.engine.Events(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, "get event history", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	eventStreamsActive.Inc()
	defer eventStreamsActive.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	var lastSeq int64
	for _, ev := range history {
		if err := writeSSEEvent(w, ev); err != nil {
			return
		}
		lastSeq = ev.Seq
	}
	flush()

	if ch == nil {
		_ = writeSSEDone(w)
		flush()
		return
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// Engagement completed; send explicit done event before closing.
				_ = writeSSEDone(w)
				flush()
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			if err := writeSSEEvent(w, ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			lastSeq = ev.Seq
			flush()
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

func (s *Server) handleGetEventHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.engagementID(w, r)
	if !ok {
		return
	}

	events, err := s.engine.Events(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, "get event history", err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}

	s.writeJSON(w, http.StatusOK, eventHistoryResponse{
		EngagementID: id,
		Events:       events,
	})
}

// writeSSEEvent writes ev as a named SSE event whose id is the event's
// sequence number. JSON encoding never contains a raw newline, so the data
// fits on one line.
func writeSSEEvent(w http.ResponseWriter, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

// writeSSEDone writes the terminal "done" event.
func writeSSEDone(w http.ResponseWriter) error {
	_, err := fmt.Fprint(w, "event: done\ndata: stream complete\n\n")
	return err
}
