package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rendis/flowrun/internal/streaming"
	"github.com/rendis/flowrun/pkg/schema"
)

// handleSSEGlobal streams events to the client via Server-Sent Events.
// ?workflow_id and ?types (comma separated) narrow the stream.
func (s *Server) handleSSEGlobal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.serveSSE(w, r, streaming.EventFilter{
		WorkflowID: q.Get("workflow_id"),
		EventTypes: splitTypes(q.Get("types")),
	})
}

// handleSSERun streams events for a specific run.
func (s *Server) handleSSERun(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.EventFilter{
		RunID:      r.PathValue("id"),
		EventTypes: splitTypes(r.URL.Query().Get("types")),
	})
}

// serveSSE is the common SSE implementation.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.EventFilter) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, schema.ErrCodeConfiguration, "event streaming is not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Sequence, event.EventType, data)
			flusher.Flush()
		}
	}
}

func splitTypes(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
