package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/relay"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// socket serializes writes to one WebSocket connection.
type socket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *socket) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// Socket handles GET /tasks/{id}/ws. Live events of the task are sent as JSON
// text messages; each message received is a ResumeRequest for the task.
// Failures of a resume that never reached the task are answered with an error
// event on the socket only.
func (s *Server) Socket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.engine.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.WarnContext(r.Context(), "ws: upgrade failed", "thread_id", id, "err", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe, err := s.engine.Subscribe(ctx, relay.Filter{ThreadID: id})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer unsubscribe()

	sock := &socket{conn: conn}
	s.logger.InfoContext(ctx, "ws: connected", "thread_id", id)

	go func() {
		defer cancel()
		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.Ping(ctx); err != nil {
					return
				}
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := sock.send(ctx, ev); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				s.logger.InfoContext(r.Context(), "ws: disconnected", "thread_id", id)
			} else {
				s.logger.WarnContext(r.Context(), "ws: read failed", "thread_id", id, "err", err)
			}
			return
		}

		var req ResumeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.reject(ctx, sock, id, badRequest("invalid message", err))
			continue
		}
		value, err := sanitize(req.Value)
		if err != nil {
			s.reject(ctx, sock, id, err)
			continue
		}

		seen := false
		for ev, err := range s.engine.Resume(ctx, id, value) {
			if err != nil {
				// Failures after the first event already reached the relay.
				if !seen {
					s.reject(ctx, sock, id, err)
				}
				break
			}
			seen = seen || ev.Type != domain.EventError
		}
	}
}

func (s *Server) reject(ctx context.Context, sock *socket, threadID string, err error) {
	s.logger.DebugContext(ctx, "ws: resume rejected", "thread_id", threadID, "err", err)
	_ = sock.send(ctx, domain.Event{
		Type:      domain.EventError,
		ThreadID:  threadID,
		Payload:   domain.ErrorPayload{Message: err.Error()},
		Timestamp: time.Now().UTC(),
	})
}
