package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/spherical-ai/textimage/internal/events"
)

// streamEvents handles GET /api/workflows/{id}/events: every frame from the
// first, then live ones until stream_end. Last-Event-ID resumes after a
// sequence number.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if stream, ok := s.runner.Stream(id); ok {
		s.writeStream(w, r, stream)
		return
	}

	// The run may be executing on another replica.
	if s.opts.Follower != nil && s.opts.Channel != nil {
		if snap, err := s.runner.Get(r.Context(), id); err == nil && !snap.Status.Terminal() {
			s.relay(w, r, id)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "workflow events not found", "")
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func lastEventID(r *http.Request) int {
	n, err := strconv.Atoi(r.Header.Get("Last-Event-ID"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (s *Server) writeStream(w http.ResponseWriter, r *http.Request, stream *events.Stream) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}
	after := lastEventID(r)

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := stream.Subscribe(r.Context())
	defer sub.Detach()

	keepAlive := time.NewTicker(s.opts.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case f, ok := <-sub.C:
			if !ok {
				return
			}
			if f.Seq <= after {
				continue
			}
			data, err := json.Marshal(f)
			if err != nil {
				s.logger.Error().Err(err).Str("workflow_id", f.RunID).Msg("Failed to encode frame")
				continue
			}
			if err := writeSSE(w, f.Seq, string(f.Event.Type()), data); err != nil {
				s.logger.Debug().Err(err).Str("workflow_id", f.RunID).Msg("Observer went away")
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// relay forwards frames published by another replica until stream_end.
func (s *Server) relay(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}

	payloads, unsubscribe, err := s.opts.Follower.Subscribe(r.Context(), s.opts.Channel(id))
	if err != nil {
		s.logger.Error().Err(err).Str("workflow_id", id).Msg("Failed to follow remote run")
		s.writeError(w, http.StatusBadGateway, "cannot follow workflow", "")
		return
	}
	defer unsubscribe()

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(s.opts.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case payload, ok := <-payloads:
			if !ok {
				return
			}
			var meta struct {
				Type events.Type `json:"type"`
				Seq  int         `json:"seq"`
			}
			if err := json.Unmarshal(payload, &meta); err != nil {
				s.logger.Warn().Err(err).Str("workflow_id", id).Msg("Skipping malformed frame")
				continue
			}
			if err := writeSSE(w, meta.Seq, string(meta.Type), payload); err != nil {
				return
			}
			flusher.Flush()
			if meta.Type == events.TypeStreamEnd {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, seq int, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, event, data)
	return err
}
