package runner

import (
	"context"
	"time"

	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/ports"
)

// stream numbers the events of one driver call and fans them out to the
// sinks and the consumer. It is used from the driving goroutine only.
type stream struct {
	threadID string
	sinks    []ports.EventSink
	yield    func(domain.Event, error) bool
	seq      uint64

	// stopped is set once the consumer breaks out of its range loop.
	stopped bool
	// failed is set once an error has been delivered.
	failed bool
}

func (s *stream) event(typ domain.EventType, node string, payload any) domain.Event {
	s.seq++
	return domain.Event{
		Type:      typ,
		ThreadID:  s.threadID,
		Node:      node,
		Payload:   payload,
		Seq:       s.seq,
		Timestamp: time.Now().UTC(),
	}
}

func (s *stream) emit(ctx context.Context, typ domain.EventType, node string, payload any) {
	ev := s.event(typ, node, payload)
	for _, sink := range s.sinks {
		sink(ctx, ev)
	}
	if !s.stopped && !s.yield(ev, nil) {
		s.stopped = true
	}
}

// fail reports err as an error event. Sinks only see failures that happened
// after the task was touched.
func (s *stream) fail(ctx context.Context, node string, err error, notify bool) {
	if s.failed {
		return
	}
	s.failed = true
	ev := s.event(domain.EventError, node, domain.ErrorPayload{Message: err.Error()})
	if notify {
		for _, sink := range s.sinks {
			sink(ctx, ev)
		}
	}
	if !s.stopped {
		s.yield(ev, err)
		s.stopped = true
	}
}
