package domain

import (
	"encoding/json"
	"maps"
	"time"
)

// Delta is a partial update of a TaskRecord.
//
// Payload keys absent from the delta are left untouched; a key mapped to nil
// removes that key. Pointer fields follow the same rule: nil leaves the field
// alone, a pointer to the zero value clears it. Turns and Iterations are
// appended.
type Delta struct {
	Payload    map[string]any
	Turns      []Turn
	Iterations []IterationRecord

	CurrentNode         *string
	NextAction          *string
	LastCompletedWorker *string
	ErrorMessage        *string
	MessageToUser       *string
	IterationIndex      *int

	// PendingInterrupt parks the task. Unless the same delta sets NextAction,
	// setting it also clears NextAction: a suspended task carries no decision.
	PendingInterrupt *Interrupt
	ClearInterrupt   bool
}

// Ptr returns a pointer to v. It keeps delta literals short.
func Ptr[T any](v T) *T { return &v }

// IsZero reports whether the delta changes nothing.
func (d Delta) IsZero() bool {
	return len(d.Payload) == 0 && len(d.Turns) == 0 && len(d.Iterations) == 0 &&
		d.CurrentNode == nil && d.NextAction == nil && d.LastCompletedWorker == nil &&
		d.ErrorMessage == nil && d.MessageToUser == nil && d.IterationIndex == nil &&
		d.PendingInterrupt == nil && !d.ClearInterrupt
}

// Merge composes d and next so that applying the result equals applying d then next.
func (d Delta) Merge(next Delta) Delta {
	out := d
	if len(next.Payload) > 0 {
		out.Payload = make(map[string]any, len(d.Payload)+len(next.Payload))
		maps.Copy(out.Payload, d.Payload)
		maps.Copy(out.Payload, next.Payload)
	}
	out.Turns = append(append([]Turn(nil), d.Turns...), next.Turns...)
	out.Iterations = append(append([]IterationRecord(nil), d.Iterations...), next.Iterations...)
	if next.CurrentNode != nil {
		out.CurrentNode = next.CurrentNode
	}
	if next.NextAction != nil {
		out.NextAction = next.NextAction
	}
	if next.LastCompletedWorker != nil {
		out.LastCompletedWorker = next.LastCompletedWorker
	}
	if next.ErrorMessage != nil {
		out.ErrorMessage = next.ErrorMessage
	}
	if next.MessageToUser != nil {
		out.MessageToUser = next.MessageToUser
	}
	if next.IterationIndex != nil {
		out.IterationIndex = next.IterationIndex
	}
	if next.ClearInterrupt {
		out.PendingInterrupt = nil
		out.ClearInterrupt = true
	}
	if next.PendingInterrupt != nil {
		out.PendingInterrupt = next.PendingInterrupt
		out.ClearInterrupt = false
		if next.NextAction == nil {
			out.NextAction = Ptr("")
		}
	}
	return out
}

// Apply merges the delta into the record and stamps UpdatedAt.
func (r *TaskRecord) Apply(d Delta) {
	if r.Payload == nil {
		r.Payload = make(map[string]any)
	}
	for k, v := range d.Payload {
		if v == nil {
			delete(r.Payload, k)
			continue
		}
		r.Payload[k] = copyValue(v)
	}
	r.History = append(r.History, d.Turns...)
	r.Iterations = append(r.Iterations, d.Iterations...)

	if d.CurrentNode != nil {
		r.CurrentNode = *d.CurrentNode
	}
	if d.NextAction != nil {
		r.NextAction = *d.NextAction
	}
	if d.LastCompletedWorker != nil {
		r.LastCompletedWorker = *d.LastCompletedWorker
	}
	if d.ErrorMessage != nil {
		r.ErrorMessage = *d.ErrorMessage
	}
	if d.MessageToUser != nil {
		r.MessageToUser = *d.MessageToUser
	}
	if d.IterationIndex != nil {
		r.IterationIndex = *d.IterationIndex
	}
	if d.ClearInterrupt {
		r.PendingInterrupt = nil
	}
	if d.PendingInterrupt != nil {
		r.PendingInterrupt = d.PendingInterrupt.Clone()
		if d.NextAction == nil {
			r.NextAction = ""
		}
	}
	r.UpdatedAt = time.Now().UTC()
}

// MarshalJSON emits only the touched fields. Cleared fields encode as null.
func (d Delta) MarshalJSON() ([]byte, error) {
	out := make(map[string]any)
	if len(d.Payload) > 0 {
		out["payload"] = d.Payload
	}
	if len(d.Turns) > 0 {
		out["turns"] = d.Turns
	}
	if len(d.Iterations) > 0 {
		out["iterations"] = d.Iterations
	}
	putString(out, "current_node", d.CurrentNode)
	putString(out, "next_action", d.NextAction)
	putString(out, "last_completed_worker", d.LastCompletedWorker)
	putString(out, "error_message", d.ErrorMessage)
	putString(out, "message_to_user", d.MessageToUser)
	if d.IterationIndex != nil {
		out["iteration_index"] = *d.IterationIndex
	}
	switch {
	case d.PendingInterrupt != nil:
		out["pending_interrupt"] = d.PendingInterrupt
	case d.ClearInterrupt:
		out["pending_interrupt"] = nil
	}
	return json.Marshal(out)
}

func putString(out map[string]any, key string, v *string) {
	if v == nil {
		return
	}
	if *v == "" {
		out[key] = nil
		return
	}
	out[key] = *v
}
