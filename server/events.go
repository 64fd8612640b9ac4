package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dhcgn/archive-to-mailbox/stats"
)

type logPayload struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

type progressPayload struct {
	Progress float64 `json:"progress"`
}

// handleEvents streams runner events as server-sent events until the client
// goes away or the runner closes. Every frame is named after the event type.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, cancel := s.backend.Events().Subscribe(eventBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, evt); err != nil {
				s.logger.Debug("event stream closed", "err", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, evt stats.Event) error {
	var payload any
	switch evt.Type {
	case stats.EventTypeLog:
		p := logPayload{Text: evt.Text}
		if evt.Err != nil {
			p.Error = evt.Err.Error()
		}
		payload = p
	case stats.EventTypeStats:
		payload = evt.Stats
	case stats.EventTypeProgress:
		payload = progressPayload{Progress: evt.Progress}
	default:
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", evt.Type, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	return err
}
