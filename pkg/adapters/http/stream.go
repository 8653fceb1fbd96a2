package http

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/relay"
	"github.com/go-chi/chi/v5"
)

const (
	contentTypeNDJSON = "application/x-ndjson"
	contentTypeSSE    = "text/event-stream"
)

func wantsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), contentTypeSSE)
}

// stream writes a driver call to the response. Errors raised before the first
// event become a plain error response; later ones are streamed as error events.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, status int, seq iter.Seq2[domain.Event, error]) {
	next, stop := iter.Pull2(seq)
	defer stop()

	ev, err, ok := next()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sse := wantsSSE(r)
	if sse {
		w.Header().Set("Content-Type", contentTypeSSE)
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Content-Type", contentTypeNDJSON)
	}
	w.Header().Set(HeaderThreadID, ev.ThreadID)
	if status == http.StatusCreated {
		w.Header().Set("Location", "/tasks/"+ev.ThreadID)
	}
	w.WriteHeader(status)
	flusher, _ := w.(http.Flusher)

	for {
		if werr := writeEvent(w, ev, sse); werr != nil {
			s.logger.WarnContext(r.Context(), "http: client gone mid-stream", "thread_id", ev.ThreadID, "err", werr)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if err != nil {
			s.logger.WarnContext(r.Context(), "http: driver call failed", "thread_id", ev.ThreadID, "err", err)
			return
		}
		if ev, err, ok = next(); !ok {
			return
		}
	}
}

func writeEvent(w io.Writer, ev domain.Event, sse bool) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if sse {
		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b)
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

// parseTypes reads the comma separated types query parameter.
func parseTypes(r *http.Request) []domain.EventType {
	raw := r.URL.Query().Get("types")
	if raw == "" {
		return nil
	}
	var types []domain.EventType
	for t := range strings.SplitSeq(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, domain.EventType(t))
		}
	}
	return types
}

// SubscribeEvents handles GET /tasks/{id}/events (SSE). It relays the live
// events of the task until the client disconnects.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		s.logger.ErrorContext(r.Context(), "SubscribeEvents: streaming not supported")
		return
	}
	if _, err := s.engine.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	events, cancel, err := s.engine.Subscribe(r.Context(), relay.Filter{ThreadID: id, Types: parseTypes(r)})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", contentTypeSSE)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()
	s.logger.InfoContext(r.Context(), "SSE: subscribed", "thread_id", id)

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			s.logger.InfoContext(r.Context(), "SSE: client disconnected", "thread_id", id)
			return
		case <-ticker.C:
			fmt.Fprintf(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev, true); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
