// Package resume validates and decodes the values that resume a suspended task.
package resume

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/aretw0/crucible/pkg/domain"
	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaURL = "https://crucible.dev/schemas/resume.json"

// Value is one of PlanSelection, ExperimentData, Message or Terminate.
type Value interface {
	// Raw returns the JSON-normalized map the value was decoded from.
	Raw() map[string]any
	isValue()
}

// PlanSelection picks one of the optimization plans.
type PlanSelection struct {
	PlanID   string `mapstructure:"selected_plan_id"`
	PlanName string `mapstructure:"selected_plan_name"`
	raw      map[string]any
}

// ExperimentData delivers measured results.
type ExperimentData struct {
	Data              map[string]any `mapstructure:"experiment_data"`
	ContinueIteration bool           `mapstructure:"continue_iteration"`
	raw               map[string]any
}

// Message is free-form user input.
type Message struct {
	Text string `mapstructure:"message"`
	raw  map[string]any
}

// Terminate ends the task instead of re-entering the suspended node.
type Terminate struct {
	Reason string `mapstructure:"message"`
	raw    map[string]any
}

func (v PlanSelection) Raw() map[string]any  { return v.raw }
func (v ExperimentData) Raw() map[string]any { return v.raw }
func (v Message) Raw() map[string]any        { return v.raw }
func (v Terminate) Raw() map[string]any      { return v.raw }

func (PlanSelection) isValue()  {}
func (ExperimentData) isValue() {}
func (Message) isValue()        {}
func (Terminate) isValue()      {}

var compiled = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(resumeSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal resume schema: %w", err)
	}
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add resume schema resource: %w", err)
	}
	return c.Compile(schemaURL)
})

// Parse validates v and decodes it into a Value.
// A bare string is treated as a message. Failures wrap domain.ErrInvalidResume.
func Parse(v any) (Value, error) {
	if s, ok := v.(string); ok {
		v = map[string]any{"message": s}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidResume, err)
	}

	sch, err := compiled()
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidResume, err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidResume, violations(err))
	}

	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidResume, err)
	}

	switch {
	case raw["action"] == "terminate":
		out := Terminate{raw: raw}
		if err := decode(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	case raw[domain.KeySelectedPlanID] != nil:
		out := PlanSelection{raw: raw}
		if err := decode(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	case raw[domain.KeyExperimentData] != nil:
		out := ExperimentData{raw: raw}
		if err := decode(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		out := Message{raw: raw}
		if err := decode(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// IsTerminate reports whether v asks to end the task. Invalid values are not terminations.
func IsTerminate(v any) bool {
	parsed, err := Parse(v)
	if err != nil {
		return false
	}
	_, ok := parsed.(Terminate)
	return ok
}

func decode(raw map[string]any, out any) error {
	if err := mapstructure.Decode(raw, out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidResume, err)
	}
	return nil
}

func violations(err error) string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	var leaves []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := "/" + strings.Join(e.InstanceLocation, "/")
			leaves = append(leaves, fmt.Sprintf("%s: %s", loc, e.Error()))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return strings.Join(leaves, "; ")
}
