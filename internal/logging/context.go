package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	threadIDKey ctxKey = iota
	taskIDKey
	nodeKey
)

// WithThread returns a context carrying the thread and task IDs.
func WithThread(ctx context.Context, threadID, taskID string) context.Context {
	ctx = context.WithValue(ctx, threadIDKey, threadID)
	return context.WithValue(ctx, taskIDKey, taskID)
}

// WithNode returns a context carrying the executing node.
func WithNode(ctx context.Context, node string) context.Context {
	return context.WithValue(ctx, nodeKey, node)
}

// ThreadID extracts the thread ID from the context, or "" if absent.
func ThreadID(ctx context.Context) string {
	v, _ := ctx.Value(threadIDKey).(string)
	return v
}

// TaskID extracts the task ID from the context, or "" if absent.
func TaskID(ctx context.Context) string {
	v, _ := ctx.Value(taskIDKey).(string)
	return v
}

// Node extracts the node name from the context, or "" if absent.
func Node(ctx context.Context) string {
	v, _ := ctx.Value(nodeKey).(string)
	return v
}

// CorrelationHandler wraps an slog.Handler, injecting correlation IDs from
// the context into every record logged with a *Context method.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := ThreadID(ctx); v != "" {
		r.AddAttrs(slog.String("thread_id", v))
	}
	if v := TaskID(ctx); v != "" && v != ThreadID(ctx) {
		r.AddAttrs(slog.String("task_id", v))
	}
	if v := Node(ctx); v != "" {
		r.AddAttrs(slog.String("node", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
