package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Decision is the closed set of routing outcomes of a dispatcher tick.
// The unexported marker keeps the set sealed so routing switches stay exhaustive.
type Decision interface {
	// Target is the node the decision routes to.
	Target() string
	// Why is the decider's explanation, kept for logs and history.
	Why() string
	isDecision()
}

// DecisionParams carries the optional parameters of a decision.
type DecisionParams struct {
	ContinueIteration bool           `mapstructure:"continue_iteration" json:"continue_iteration,omitempty"`
	Extra             map[string]any `mapstructure:",remain" json:"extra,omitempty"`
}

// RouteWorker runs the named worker next.
type RouteWorker struct {
	Worker  string
	Reason  string
	Message string
	Params  DecisionParams
}

// AskUser suspends the task and shows Message to the user.
type AskUser struct {
	Message string
	Reason  string
}

// Finish ends the task.
type Finish struct {
	Message string
	Reason  string
}

func (d RouteWorker) Target() string { return d.Worker }
func (d RouteWorker) Why() string    { return d.Reason }
func (RouteWorker) isDecision()      {}

func (AskUser) Target() string { return NodeAskUser }
func (d AskUser) Why() string  { return d.Reason }
func (AskUser) isDecision()    {}

func (Finish) Target() string { return NodeFinished }
func (d Finish) Why() string  { return d.Reason }
func (Finish) isDecision()    {}

// RawDecision is the loose structure a decider returns before validation.
type RawDecision struct {
	Next          string         `mapstructure:"next" json:"next"`
	Reason        string         `mapstructure:"reason" json:"reason,omitempty"`
	MessageToUser string         `mapstructure:"message_to_user" json:"message_to_user,omitempty"`
	Parameters    DecisionParams `mapstructure:"parameters" json:"parameters,omitempty"`
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ParseDecision maps decider output onto a Decision.
//
// It accepts a Decision, a RawDecision, a map, or JSON text, optionally
// wrapped in a fenced markdown block. Targets outside workers and the
// reserved nodes are rejected with a *DecisionParseError.
func ParseDecision(out any, workers []string) (Decision, error) {
	raw, err := decodeRaw(out)
	if err != nil {
		return nil, &DecisionParseError{Raw: out, Err: err}
	}
	next := strings.TrimSpace(strings.ToLower(raw.Next))
	switch next {
	case "":
		return nil, &DecisionParseError{Raw: out, Err: errors.New("missing next")}
	case NodeAskUser:
		return AskUser{Message: raw.MessageToUser, Reason: raw.Reason}, nil
	case NodeFinished, "finish", "end":
		return Finish{Message: raw.MessageToUser, Reason: raw.Reason}, nil
	case NodeDispatcher:
		return nil, &DecisionParseError{Raw: out, Err: errors.New("decision cannot target the dispatcher")}
	}
	i := slices.IndexFunc(workers, func(w string) bool { return strings.EqualFold(w, next) })
	if i < 0 {
		return nil, &DecisionParseError{Raw: out, Err: fmt.Errorf("%w: %q", ErrUnknownWorker, raw.Next)}
	}
	return RouteWorker{
		Worker:  workers[i],
		Reason:  raw.Reason,
		Message: raw.MessageToUser,
		Params:  raw.Parameters,
	}, nil
}

func decodeRaw(out any) (RawDecision, error) {
	var raw RawDecision
	switch v := out.(type) {
	case nil:
		return raw, errors.New("empty decision")
	case Decision:
		raw.Next = v.Target()
		raw.Reason = v.Why()
		switch d := v.(type) {
		case RouteWorker:
			raw.MessageToUser, raw.Parameters = d.Message, d.Params
		case AskUser:
			raw.MessageToUser = d.Message
		case Finish:
			raw.MessageToUser = d.Message
		}
		return raw, nil
	case RawDecision:
		return v, nil
	case *RawDecision:
		if v == nil {
			return raw, errors.New("empty decision")
		}
		return *v, nil
	case []byte:
		return decodeText(string(v))
	case string:
		return decodeText(v)
	case map[string]any:
		return raw, decodeMap(v, &raw)
	default:
		return raw, fmt.Errorf("unsupported decision type %T", out)
	}
}

func decodeText(s string) (RawDecision, error) {
	var raw RawDecision
	s = strings.TrimSpace(s)
	if m := fencedJSON.FindStringSubmatch(s); m != nil {
		s = m[1]
	} else if i, j := strings.Index(s, "{"), strings.LastIndex(s, "}"); i >= 0 && j > i {
		s = s[i : j+1]
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return raw, fmt.Errorf("decode decision json: %w", err)
	}
	return raw, decodeMap(m, &raw)
}

func decodeMap(m map[string]any, raw *RawDecision) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           raw,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(m)
}
