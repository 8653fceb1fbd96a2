package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/aretw0/crucible/pkg/domain"
)

// Suspension is returned by Suspend when no resume value is available.
// Workers propagate it like any other error.
type Suspension struct {
	Payload map[string]any
}

func (s *Suspension) Error() string {
	return "worker suspended awaiting input"
}

// Emitter receives the tool events raised inside a node.
type Emitter func(typ domain.EventType, payload domain.ToolCall)

// Scope is the per-pass continuation of one node. The driver creates it
// before running the node and reads it back when the node suspends.
type Scope struct {
	node    string
	resumes []any
	used    int
	memo    map[string]any
	calls   map[string]int
	emit    Emitter
}

type scopeKey struct{}

// Enter attaches a fresh scope to ctx. resumes and memo come from the
// interrupt being resumed and are nil on a first pass.
func Enter(ctx context.Context, node string, resumes []any, memo map[string]any, emit Emitter) (context.Context, *Scope) {
	s := &Scope{
		node:    node,
		resumes: append([]any(nil), resumes...),
		memo:    maps.Clone(memo),
		calls:   make(map[string]int),
		emit:    emit,
	}
	if s.memo == nil {
		s.memo = make(map[string]any)
	}
	return context.WithValue(ctx, scopeKey{}, s), s
}

func fromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// Node returns the node the scope belongs to.
func (s *Scope) Node() string { return s.node }

// Resumes returns the resume values delivered so far, in consumption order.
func (s *Scope) Resumes() []any { return append([]any(nil), s.resumes...) }

// Memo returns the tool results recorded so far.
func (s *Scope) Memo() map[string]any { return maps.Clone(s.memo) }

// Consumed reports how many suspension points have returned a value.
func (s *Scope) Consumed() int { return s.used }

// Suspend parks the task with payload, or returns the resume value delivered
// for this suspension point when the node is being re-entered.
//
// The i-th Suspend call of a pass returns the i-th resume value.
func Suspend(ctx context.Context, payload map[string]any) (any, error) {
	s := fromContext(ctx)
	if s != nil && s.used < len(s.resumes) {
		v := s.resumes[s.used]
		s.used++
		return v, nil
	}
	return nil, &Suspension{Payload: payload}
}

// Tool runs fn as an observable sub-step. Results are JSON-normalized and
// memoized in the scope, so a re-entered node gets the recorded result
// without running fn again. Failed calls are not memoized.
func Tool(ctx context.Context, name string, input any, fn func(context.Context) (any, error)) (any, error) {
	s := fromContext(ctx)
	if s == nil {
		out, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return Normalize(out)
	}

	key := fmt.Sprintf("%s#%d", name, s.calls[name])
	s.calls[name]++

	if v, ok := s.memo[key]; ok {
		s.fire(domain.EventToolStart, domain.ToolCall{Name: name, Input: input, Replayed: true})
		s.fire(domain.EventToolEnd, domain.ToolCall{Name: name, Output: v, Replayed: true})
		return v, nil
	}

	s.fire(domain.EventToolStart, domain.ToolCall{Name: name, Input: input})
	out, err := fn(ctx)
	if err == nil {
		out, err = Normalize(out)
	}
	if err != nil {
		s.fire(domain.EventToolEnd, domain.ToolCall{Name: name, Error: err.Error()})
		return nil, err
	}
	s.memo[key] = out
	s.fire(domain.EventToolEnd, domain.ToolCall{Name: name, Output: out})
	return out, nil
}

func (s *Scope) fire(typ domain.EventType, call domain.ToolCall) {
	if s.emit != nil {
		s.emit(typ, call)
	}
}

// Normalize round-trips v through JSON so values read back from any store
// compare equal to freshly computed ones.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	return out, nil
}
