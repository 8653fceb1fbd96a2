package observability

import (
	"context"
	"log/slog"

	"github.com/aretw0/crucible/internal/logging"
	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/ports"
)

// LogSink logs every event at debug level and error events at warn level.
func LogSink(logger *slog.Logger) ports.EventSink {
	return func(ctx context.Context, ev domain.Event) {
		attrs := []any{"type", ev.Type, "seq", ev.Seq}
		// The correlation handler already adds these when the context carries them.
		if logging.ThreadID(ctx) == "" {
			attrs = append(attrs, "thread_id", ev.ThreadID)
		}
		if ev.Node != "" && logging.Node(ctx) == "" {
			attrs = append(attrs, "node", ev.Node)
		}
		switch p := ev.Payload.(type) {
		case domain.ErrorPayload:
			logger.WarnContext(ctx, "driver error", append(attrs, "err", p.Message)...)
			return
		case domain.NodeEnd:
			attrs = append(attrs, "duration", p.Duration)
		case domain.ToolCall:
			attrs = append(attrs, "tool", p.Name, "replayed", p.Replayed)
		case domain.InterruptRaised:
			attrs = append(attrs, "interrupt_id", p.ID)
		}
		logger.DebugContext(ctx, "event", attrs...)
	}
}
