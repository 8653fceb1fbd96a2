package relay

import (
	"fmt"
	"regexp"

	"github.com/aretw0/crucible/pkg/domain"
)

// Mask replaces redacted values.
const Mask = "***"

// Redactor masks the values of payload keys matching any of its patterns.
// It works on copies; the input event is never modified.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor compiles the key patterns.
func NewRedactor(patterns ...string) (*Redactor, error) {
	r := &Redactor{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redact pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// Event returns ev with sensitive payload values masked.
func (r *Redactor) Event(ev domain.Event) domain.Event {
	if len(r.patterns) == 0 {
		return ev
	}
	switch p := ev.Payload.(type) {
	case domain.NodeEnd:
		p.Delta.Payload = r.Map(p.Delta.Payload)
		ev.Payload = p
	case domain.InterruptRaised:
		p.Payload = r.Map(p.Payload)
		ev.Payload = p
	case domain.ToolCall:
		p.Input = r.value(p.Input)
		p.Output = r.value(p.Output)
		ev.Payload = p
	}
	return ev
}

// Map returns a copy of m with matching keys masked at any depth.
func (r *Redactor) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if r.sensitive(k) && v != nil {
			out[k] = Mask
			continue
		}
		out[k] = r.value(v)
	}
	return out
}

func (r *Redactor) value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return r.Map(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = r.value(e)
		}
		return out
	default:
		return v
	}
}

func (r *Redactor) sensitive(key string) bool {
	for _, p := range r.patterns {
		if p.MatchString(key) {
			return true
		}
	}
	return false
}
