// Package http serves crucible tasks over HTTP.
//
// Driver calls answer with a stream of events, as newline-delimited JSON by
// default or as Server-Sent Events when the client accepts
// text/event-stream. Live events of a task are also available through
// /tasks/{id}/events (SSE) and /tasks/{id}/ws (WebSocket).
package http

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/crucible"
	"github.com/aretw0/crucible/internal/logging"
	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/relay"
	"github.com/aretw0/crucible/pkg/runner"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HeaderThreadID carries the thread of a streamed driver call.
const HeaderThreadID = "Crucible-Thread-Id"

// Engine is the part of crucible.Engine the server needs.
type Engine interface {
	Start(ctx context.Context, req crucible.StartRequest) iter.Seq2[domain.Event, error]
	Resume(ctx context.Context, threadID string, value any) iter.Seq2[domain.Event, error]
	Continue(ctx context.Context, threadID string) iter.Seq2[domain.Event, error]
	Get(ctx context.Context, threadID string) (*domain.TaskRecord, error)
	List(ctx context.Context) ([]*domain.TaskRecord, error)
	Delete(ctx context.Context, threadID string) error
	Subscribe(ctx context.Context, filter relay.Filter) (<-chan domain.Event, func(), error)
}

var _ Engine = (*crucible.Engine)(nil)

// Server holds the handlers.
type Server struct {
	engine    Engine
	logger    *slog.Logger
	gatherer  prometheus.Gatherer
	keepAlive time.Duration
}

// Option configures the Server.
type Option func(*Server)

// WithLogger configures the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics serves the gatherer on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithKeepAlive sets the interval of SSE ping comments and WebSocket pings.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepAlive = d
		}
	}
}

// NewHandler creates the HTTP handler for the engine.
func NewHandler(engine Engine, opts ...Option) http.Handler {
	s := &Server{
		engine:    engine,
		logger:    logging.NewNop(),
		keepAlive: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.ListTasks)
		r.Post("/", s.StartTask)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.GetTask)
			r.Delete("/", s.DeleteTask)
			r.Post("/resume", s.ResumeTask)
			r.Post("/continue", s.ContinueTask)
			r.Get("/events", s.SubscribeEvents)
			r.Get("/ws", s.Socket)
		})
	})

	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		w.Header().Set("Access-Control-Expose-Headers", HeaderThreadID)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartRequest is the body of POST /tasks.
type StartRequest struct {
	TaskID        string         `json:"task_id,omitempty"`
	ThreadID      string         `json:"thread_id,omitempty"`
	Payload       map[string]any `json:"payload"`
	MaxIterations int            `json:"max_iterations,omitempty"`
}

// ResumeRequest is the body of POST /tasks/{id}/resume and of WebSocket
// messages.
type ResumeRequest struct {
	Value any `json:"value"`
}

// TaskView is a record with its derived status.
type TaskView struct {
	*domain.TaskRecord
	Status domain.TaskStatus `json:"status"`
}

// TaskSummary is one entry of GET /tasks.
type TaskSummary struct {
	ThreadID       string            `json:"thread_id"`
	TaskID         string            `json:"task_id"`
	Status         domain.TaskStatus `json:"status"`
	CurrentNode    string            `json:"current_node"`
	IterationIndex int               `json:"iteration_index"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// StartTask handles POST /tasks.
func (s *Server) StartTask(w http.ResponseWriter, r *http.Request) {
	var body StartRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, badRequest("invalid request body", err))
		return
	}
	s.logger.InfoContext(r.Context(), "http: start task", "thread_id", body.ThreadID)
	s.stream(w, r, http.StatusCreated, s.engine.Start(r.Context(), crucible.StartRequest{
		TaskID:        body.TaskID,
		ThreadID:      body.ThreadID,
		Payload:       body.Payload,
		MaxIterations: body.MaxIterations,
	}))
}

// ResumeTask handles POST /tasks/{id}/resume.
func (s *Server) ResumeTask(w http.ResponseWriter, r *http.Request) {
	var body ResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, badRequest("invalid request body", err))
		return
	}
	value, err := sanitize(body.Value)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.stream(w, r, http.StatusOK, s.engine.Resume(r.Context(), chi.URLParam(r, "id"), value))
}

// ContinueTask handles POST /tasks/{id}/continue.
func (s *Server) ContinueTask(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, http.StatusOK, s.engine.Continue(r.Context(), chi.URLParam(r, "id")))
}

// GetTask handles GET /tasks/{id}.
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TaskView{TaskRecord: rec, Status: rec.Status()})
}

// ListTasks handles GET /tasks. The status query parameter filters by status.
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	recs, err := s.engine.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	want := domain.TaskStatus(r.URL.Query().Get("status"))
	out := make([]TaskSummary, 0, len(recs))
	for _, rec := range recs {
		if want != "" && rec.Status() != want {
			continue
		}
		out = append(out, TaskSummary{
			ThreadID:       rec.ThreadID,
			TaskID:         rec.TaskID,
			Status:         rec.Status(),
			CurrentNode:    rec.CurrentNode,
			IterationIndex: rec.IterationIndex,
			UpdatedAt:      rec.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteTask handles DELETE /tasks/{id}.
func (s *Server) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetHealth handles the GET /health request.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles the GET /info request.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"app":     "crucible-http",
		"version": strings.TrimSpace(crucible.Version),
	})
}

// sanitize checks free-text resume values before they reach the driver.
func sanitize(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, badRequest("missing value", nil)
	case string:
		clean, err := runner.SanitizeInput(val)
		if err != nil {
			return nil, badRequest("invalid input", err)
		}
		return clean, nil
	case map[string]any:
		if msg, ok := val["message"].(string); ok {
			clean, err := runner.SanitizeInput(msg)
			if err != nil {
				return nil, badRequest("invalid input", err)
			}
			val["message"] = clean
		}
	}
	return v, nil
}

type requestError struct {
	msg string
	err error
}

func (e *requestError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return e.msg + ": " + e.err.Error()
}

func (e *requestError) Unwrap() error { return e.err }

func badRequest(msg string, err error) error {
	return &requestError{msg: msg, err: err}
}

// StatusFor maps engine errors onto HTTP status codes.
func StatusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr),
		errors.Is(err, domain.ErrInvalidResume):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTaskExists),
		errors.Is(err, domain.ErrTaskBusy),
		errors.Is(err, domain.ErrNotAwaitingInput),
		errors.Is(err, domain.ErrAwaitingInput),
		errors.Is(err, domain.ErrTaskFinished):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "http: request failed", "path", r.URL.Path, "err", err)
	} else {
		s.logger.DebugContext(r.Context(), "http: request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
