package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestApply(t *testing.T) {
	tests := []struct {
		name  string
		delta Delta
		check func(t *testing.T, r *TaskRecord)
	}{
		{
			name:  "Absent keys are untouched",
			delta: Delta{Payload: map[string]any{"ti": 27}},
			check: func(t *testing.T, r *TaskRecord) {
				assert.Equal(t, 30, r.Payload["al"])
				assert.Equal(t, 27, r.Payload["ti"])
			},
		},
		{
			name:  "Nil clears a key",
			delta: Delta{Payload: map[string]any{"n": nil}},
			check: func(t *testing.T, r *TaskRecord) {
				assert.NotContains(t, r.Payload, "n")
				assert.Len(t, r.Payload, 2)
			},
		},
		{
			name:  "Turns are appended",
			delta: Delta{Turns: []Turn{{Role: RoleUser, Content: "hi"}}},
			check: func(t *testing.T, r *TaskRecord) {
				require.Len(t, r.History, 2)
				assert.Equal(t, "hi", r.History[1].Content)
			},
		},
		{
			name:  "Empty string pointer clears",
			delta: Delta{LastCompletedWorker: Ptr("")},
			check: func(t *testing.T, r *TaskRecord) {
				assert.Empty(t, r.LastCompletedWorker)
			},
		},
		{
			name:  "Interrupt clears next action",
			delta: Delta{PendingInterrupt: &Interrupt{ID: "i1", Node: NodeAskUser}},
			check: func(t *testing.T, r *TaskRecord) {
				require.NotNil(t, r.PendingInterrupt)
				assert.Empty(t, r.NextAction)
				assert.Equal(t, StatusSuspended, r.Status())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewTaskRecord("t1", "th1", map[string]any{"al": 30, "ti": 25, "n": 45}, 0)
			r.History = append(r.History, Turn{Role: RoleUser, Content: "start"})
			r.LastCompletedWorker = "validator"
			r.NextAction = "analyst"
			r.Apply(tt.delta)
			tt.check(t, r)
		})
	}
}

func TestApply_DoesNotAlias(t *testing.T) {
	r := NewTaskRecord("t1", "th1", nil, 0)
	nested := map[string]any{"hardness": 28.5}
	r.Apply(Delta{Payload: map[string]any{KeyExperimentData: nested}})

	nested["hardness"] = 1.0
	assert.Equal(t, 28.5, r.Payload[KeyExperimentData].(map[string]any)["hardness"])
}

func TestDelta_MarshalJSON(t *testing.T) {
	d := Delta{
		Payload:      map[string]any{"al": 31},
		CurrentNode:  Ptr("analyst"),
		ErrorMessage: Ptr(""),
	}
	b, err := json.Marshal(d)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "analyst", m["current_node"])
	assert.Contains(t, m, "error_message")
	assert.Nil(t, m["error_message"])
	assert.NotContains(t, m, "next_action")
}

func TestDelta_IsZero(t *testing.T) {
	assert.True(t, Delta{}.IsZero())
	assert.False(t, Delta{ClearInterrupt: true}.IsZero())
	assert.False(t, Delta{Payload: map[string]any{"x": nil}}.IsZero())
}

func genDelta(t *rapid.T, label string) Delta {
	keys := []string{"al", "ti", "n", "hardness"}
	var d Delta
	if rapid.Bool().Draw(t, label+"_has_payload") {
		d.Payload = make(map[string]any)
		for _, k := range keys {
			switch rapid.IntRange(0, 2).Draw(t, label+"_"+k) {
			case 1:
				d.Payload[k] = rapid.IntRange(0, 100).Draw(t, label+"_"+k+"_v")
			case 2:
				d.Payload[k] = nil
			}
		}
	}
	nodes := []string{"", "validator", "analyst", NodeAskUser, NodeFinished}
	if rapid.Bool().Draw(t, label+"_next") {
		d.NextAction = Ptr(rapid.SampledFrom(nodes).Draw(t, label+"_next_v"))
	}
	if rapid.Bool().Draw(t, label+"_lcw") {
		d.LastCompletedWorker = Ptr(rapid.SampledFrom(nodes).Draw(t, label+"_lcw_v"))
	}
	if rapid.Bool().Draw(t, label+"_idx") {
		d.IterationIndex = Ptr(rapid.IntRange(1, 6).Draw(t, label+"_idx_v"))
	}
	switch rapid.IntRange(0, 2).Draw(t, label+"_int") {
	case 1:
		d.PendingInterrupt = &Interrupt{ID: label, Node: NodeAskUser}
	case 2:
		d.ClearInterrupt = true
	}
	if rapid.Bool().Draw(t, label+"_turn") {
		d.Turns = []Turn{{Role: RoleSystem, Content: label}}
	}
	return d
}

func TestMerge_EqualsSequentialApply(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := genDelta(t, "a")
		b := genDelta(t, "b")

		seq := NewTaskRecord("t", "th", map[string]any{"al": 30, "ti": 25}, 5)
		seq.Apply(a)
		seq.Apply(b)

		merged := NewTaskRecord("t", "th", map[string]any{"al": 30, "ti": 25}, 5)
		merged.Apply(a.Merge(b))

		assert.Equal(t, seq.Payload, merged.Payload)
		assert.Equal(t, seq.NextAction, merged.NextAction)
		assert.Equal(t, seq.LastCompletedWorker, merged.LastCompletedWorker)
		assert.Equal(t, seq.IterationIndex, merged.IterationIndex)
		assert.Equal(t, seq.PendingInterrupt != nil, merged.PendingInterrupt != nil)
		assert.Equal(t, len(seq.History), len(merged.History))
	})
}
