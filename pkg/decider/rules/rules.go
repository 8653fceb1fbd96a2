// Package rules implements a deterministic decider from an ordered list of
// expr-lang conditions.
//
// Rules are evaluated top to bottom against an Env built from the decision
// context; the first rule whose condition holds produces the decision:
//
//	rules:
//	  - when: 'error != ""'
//	    next: ask_user
//	    message: "A step failed. How would you like to proceed?"
//	  - when: 'last_worker == "validator"'
//	    next: analyst
package rules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/ports"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"
)

// ErrNoMatch is returned when no rule matches and no default is set.
var ErrNoMatch = errors.New("no rule matched")

// Rule maps a condition onto a decision.
type Rule struct {
	Name     string `yaml:"name"`
	When     string `yaml:"when"`
	Next     string `yaml:"next"`
	Message  string `yaml:"message"`
	Reason   string `yaml:"reason"`
	Continue bool   `yaml:"continue_iteration"`
}

// File is the structure of rules.yaml.
type File struct {
	Rules   []Rule `yaml:"rules"`
	Default *Rule  `yaml:"default"`
}

// Env is the expression environment of a rule condition.
type Env struct {
	Payload       map[string]any `expr:"payload"`
	LastWorker    string         `expr:"last_worker"`
	Error         string         `expr:"error"`
	Iteration     int            `expr:"iteration"`
	MaxIterations int            `expr:"max_iterations"`
	Workers       []string       `expr:"workers"`
	LastMessage   string         `expr:"last_message"`
}

type compiled struct {
	rule    Rule
	program *vm.Program
}

// Decider evaluates rules. It is safe for concurrent use.
type Decider struct {
	rules []compiled
	def   *Rule
}

var _ ports.Decider = (*Decider)(nil)

// New compiles the rules. Conditions must be boolean expressions over Env.
func New(rules []Rule, def *Rule) (*Decider, error) {
	d := &Decider{def: def}
	for i, r := range rules {
		if r.Next == "" {
			return nil, fmt.Errorf("rule %s: missing next", label(i, r))
		}
		when := r.When
		if when == "" {
			when = "true"
		}
		prg, err := expr.Compile(when, expr.Env(Env{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("rule %s: compile %q: %w", label(i, r), r.When, err)
		}
		d.rules = append(d.rules, compiled{rule: r, program: prg})
	}
	return d, nil
}

// Load reads and compiles a rules file.
func Load(path string) (*Decider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	return Parse(data)
}

// Parse compiles rules from YAML.
func Parse(data []byte) (*Decider, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	return New(f.Rules, f.Default)
}

// Decide returns the decision of the first matching rule.
func (d *Decider) Decide(ctx context.Context, dc ports.DecisionContext) (any, error) {
	env := NewEnv(dc)
	for i, c := range d.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := expr.Run(c.program, env)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", label(i, c.rule), err)
		}
		if ok, _ := out.(bool); ok {
			return decision(c.rule), nil
		}
	}
	if d.def != nil {
		return decision(*d.def), nil
	}
	return nil, ErrNoMatch
}

// NewEnv builds the expression environment from a decision context.
func NewEnv(dc ports.DecisionContext) Env {
	env := Env{
		Payload:       map[string]any{},
		Iteration:     dc.IterationIndex,
		MaxIterations: dc.MaxIterations,
		Workers:       dc.Workers,
	}
	if snap := dc.Snapshot; snap != nil {
		if snap.Payload != nil {
			env.Payload = snap.Payload
		}
		env.LastWorker = snap.LastCompletedWorker
		env.Error = snap.ErrorMessage
	}
	for i := len(dc.Window) - 1; i >= 0; i-- {
		if dc.Window[i].Role == domain.RoleUser {
			env.LastMessage = dc.Window[i].Content
			break
		}
	}
	return env
}

func decision(r Rule) domain.RawDecision {
	reason := r.Reason
	if reason == "" && r.Name != "" {
		reason = "rule " + r.Name
	}
	return domain.RawDecision{
		Next:          r.Next,
		Reason:        reason,
		MessageToUser: r.Message,
		Parameters:    domain.DecisionParams{ContinueIteration: r.Continue},
	}
}

func label(i int, r Rule) string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("#%d", i+1)
}
