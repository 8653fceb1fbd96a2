// Package relay fans driver events out to live subscribers.
//
// The hub is a pure observer: it never touches task records. Delivery is
// best effort. A subscriber that does not keep up loses events instead of
// slowing the driver down.
package relay

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/aretw0/crucible/internal/logging"
	"github.com/aretw0/crucible/pkg/domain"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Filter selects the events a subscriber receives. Zero fields match all.
type Filter struct {
	ThreadID string
	Types    []domain.EventType
}

func (f Filter) match(ev domain.Event) bool {
	if f.ThreadID != "" && f.ThreadID != ev.ThreadID {
		return false
	}
	return len(f.Types) == 0 || slices.Contains(f.Types, ev.Type)
}

type subscriber struct {
	ch     chan domain.Event
	filter Filter
}

// Hub is an in-memory publish/subscribe relay.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	seq    atomic.Uint64
	drops  atomic.Uint64
	buffer int
	redact *Redactor
	logger *slog.Logger
}

// Option configures the Hub.
type Option func(*Hub)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithRedactor masks sensitive payload keys before events leave the hub.
func WithRedactor(r *Redactor) Option {
	return func(h *Hub) {
		h.redact = r
	}
}

// WithLogger configures the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// NewHub creates a Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[uint64]*subscriber),
		buffer: DefaultBuffer,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish delivers ev to every matching subscriber without blocking.
// Its signature matches ports.EventSink.
func (h *Hub) Publish(ctx context.Context, ev domain.Event) {
	if h.redact != nil {
		ev = h.redact.Event(ev)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, sub := range h.subs {
		if !sub.filter.match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.drops.Add(1)
			h.logger.DebugContext(ctx, "relay subscriber lagging, event dropped",
				"subscriber", id,
				"type", ev.Type,
				"seq", ev.Seq,
			)
		}
	}
}

// Subscribe registers a subscriber. The channel is closed when cancel is
// called or ctx is done, whichever happens first.
func (h *Hub) Subscribe(ctx context.Context, filter Filter) (<-chan domain.Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	sub := &subscriber{ch: make(chan domain.Event, h.buffer), filter: filter}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	context.AfterFunc(ctx, cancel)

	return sub.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for lagging subscribers.
func (h *Hub) Dropped() uint64 {
	return h.drops.Load()
}
