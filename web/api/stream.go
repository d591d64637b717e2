package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/korentomas/issueforge/internal/stream"
)

// streamHandler serves the per-thread live event stream over SSE. Auth and
// ownership are settled before the first byte of the stream is written; after
// that the connection only ever closes, it never reports errors.
func (s *Server) streamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		thread, err := s.ownedThread(r)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load thread")
			return
		}
		if thread == nil {
			writeError(w, http.StatusNotFound, "thread not found")
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		emit := func(ev stream.Event) error {
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}

		s.streams.Stream(r.Context(), thread.ID, emit)
	}
}
