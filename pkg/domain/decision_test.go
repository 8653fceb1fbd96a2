package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testWorkers = []string{"validator", "analyst", "optimizer", "experimenter"}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want Decision
	}{
		{
			name: "Map to worker",
			in:   map[string]any{"next": "analyst", "reason": "validated"},
			want: RouteWorker{Worker: "analyst", Reason: "validated"},
		},
		{
			name: "JSON text with parameters",
			in:   `{"next":"analyst","parameters":{"continue_iteration":"true","temperature":0.2}}`,
			want: RouteWorker{Worker: "analyst", Params: DecisionParams{
				ContinueIteration: true,
				Extra:             map[string]any{"temperature": 0.2},
			}},
		},
		{
			name: "Fenced markdown block",
			in:   "Sure.\n```json\n{\"next\": \"ask_user\", \"message_to_user\": \"Pick a plan\"}\n```",
			want: AskUser{Message: "Pick a plan"},
		},
		{
			name: "Case insensitive finish alias",
			in:   []byte(`{"next":"FINISH","message_to_user":"done"}`),
			want: Finish{Message: "done"},
		},
		{
			name: "Typed decision passes through",
			in:   RouteWorker{Worker: "optimizer", Reason: "r"},
			want: RouteWorker{Worker: "optimizer", Reason: "r"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDecision(tt.in, testWorkers)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDecision_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"Nil", nil},
		{"Nil raw pointer", (*RawDecision)(nil)},
		{"Garbage text", "I think we should analyse"},
		{"Missing next", map[string]any{"reason": "x"}},
		{"Unknown worker", map[string]any{"next": "simulator"}},
		{"Dispatcher target", map[string]any{"next": "dispatcher"}},
		{"Unsupported type", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDecision(tt.in, testWorkers)
			var perr *DecisionParseError
			require.True(t, errors.As(err, &perr), "got %v", err)
		})
	}

	_, err := ParseDecision(map[string]any{"next": "simulator"}, testWorkers)
	assert.ErrorIs(t, err, ErrUnknownWorker)
}
