package domain

import (
	"maps"
	"slices"
	"time"
)

// TaskStatus is derived from the record; it is never stored.
type TaskStatus string

const (
	StatusActive    TaskStatus = "active"    // A step is running or can be continued
	StatusSuspended TaskStatus = "suspended" // Parked until a resume arrives
	StatusFinished  TaskStatus = "finished"  // Sink state reached
)

// Turn is one entry of the conversation history.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Node    string    `json:"node,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Interrupt is the continuation of a suspended node.
type Interrupt struct {
	// ID distinguishes successive suspensions of the same task.
	ID string `json:"id"`

	// Node is the node that will be re-entered on resume.
	Node string `json:"node"`

	// Payload is what was shown to the user.
	Payload map[string]any `json:"payload,omitempty"`

	// Resumes holds the values already delivered to Node in the current pass,
	// in the order its suspension points consumed them.
	Resumes []any `json:"resumes,omitempty"`

	// Memo caches tool results so a re-entered node replays them.
	Memo map[string]any `json:"memo,omitempty"`

	RaisedAt time.Time `json:"raised_at"`
}

// IterationRecord summarizes one completed analysis pass.
type IterationRecord struct {
	Index        int            `json:"index"`
	SelectedPlan string         `json:"selected_plan,omitempty"`
	Results      map[string]any `json:"results,omitempty"`
	Verdict      string         `json:"verdict"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	CompletedAt  time.Time      `json:"completed_at"`
}

// Iteration verdicts.
const (
	VerdictPass = "pass"
	VerdictFail = "fail"
)

// TaskRecord is the durable state of one workflow instance.
type TaskRecord struct {
	TaskID   string `json:"task_id"`
	ThreadID string `json:"thread_id"`

	// Payload holds the business fields. The core only merges deltas into it.
	Payload map[string]any `json:"payload"`

	// History is the append-only conversation.
	History []Turn `json:"history"`

	// CurrentNode is the node currently executing or last executed.
	CurrentNode string `json:"current_node"`

	// LastCompletedWorker is set by a worker step and consumed by the next dispatcher tick.
	LastCompletedWorker string `json:"last_completed_worker,omitempty"`

	// NextAction is the pending routing decision: a worker, ask_user or finished.
	NextAction string `json:"next_action,omitempty"`

	IterationIndex int `json:"iteration_index"`
	MaxIterations  int `json:"max_iterations"`

	// PendingInterrupt is present iff the task is suspended.
	PendingInterrupt *Interrupt `json:"pending_interrupt,omitempty"`

	Iterations []IterationRecord `json:"iterations,omitempty"`

	ErrorMessage  string `json:"error_message,omitempty"`
	MessageToUser string `json:"message_to_user,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTaskRecord creates a fresh record positioned before the first dispatcher tick.
func NewTaskRecord(taskID, threadID string, payload map[string]any, maxIterations int) *TaskRecord {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	if taskID == "" {
		taskID = threadID
	}
	now := time.Now().UTC()
	p := make(map[string]any, len(payload))
	for k, v := range payload {
		if v != nil {
			p[k] = copyValue(v)
		}
	}
	return &TaskRecord{
		TaskID:         taskID,
		ThreadID:       threadID,
		Payload:        p,
		History:        []Turn{},
		CurrentNode:    NodeDispatcher,
		IterationIndex: 1,
		MaxIterations:  maxIterations,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Status derives the lifecycle state of the record.
func (r *TaskRecord) Status() TaskStatus {
	switch {
	case r.PendingInterrupt != nil:
		return StatusSuspended
	case r.NextAction == NodeFinished:
		return StatusFinished
	default:
		return StatusActive
	}
}

// Clone returns a deep copy. Workers receive clones, never the stored record.
func (r *TaskRecord) Clone() *TaskRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = copyMap(r.Payload)
	c.History = slices.Clone(r.History)
	c.Iterations = make([]IterationRecord, len(r.Iterations))
	for i, it := range r.Iterations {
		it.Results = copyMap(it.Results)
		it.Parameters = copyMap(it.Parameters)
		c.Iterations[i] = it
	}
	if r.PendingInterrupt != nil {
		c.PendingInterrupt = r.PendingInterrupt.Clone()
	}
	return &c
}

// Clone returns a deep copy of the interrupt.
func (i *Interrupt) Clone() *Interrupt {
	if i == nil {
		return nil
	}
	c := *i
	c.Payload = copyMap(i.Payload)
	c.Memo = copyMap(i.Memo)
	c.Resumes = make([]any, len(i.Resumes))
	for n, v := range i.Resumes {
		c.Resumes[n] = copyValue(v)
	}
	return &c
}

// Window returns at most n of the most recent turns.
func (r *TaskRecord) Window(n int) []Turn {
	if n <= 0 || len(r.History) <= n {
		return slices.Clone(r.History)
	}
	return slices.Clone(r.History[len(r.History)-n:])
}

// Has reports whether the payload holds a non-nil value for key.
func (r *TaskRecord) Has(key string) bool {
	v, ok := r.Payload[key]
	return ok && v != nil
}

// String returns the payload value for key when it is a string.
func (r *TaskRecord) String(key string) string {
	s, _ := r.Payload[key].(string)
	return s
}

// Bool returns the payload value for key when it is a boolean.
func (r *TaskRecord) Bool(key string) bool {
	b, _ := r.Payload[key].(bool)
	return b
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, e := range t {
			out[i] = copyMap(e)
		}
		return out
	case map[string]float64:
		return maps.Clone(t)
	case map[string]string:
		return maps.Clone(t)
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}
