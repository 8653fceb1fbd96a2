package domain

import (
	"time"
)

// EventType defines the category of the event.
type EventType string

const (
	EventNodeStart       EventType = "node_start"
	EventNodeEnd         EventType = "node_end"
	EventToolStart       EventType = "tool_start"
	EventToolEnd         EventType = "tool_end"
	EventInterruptRaised EventType = "interrupt_raised"
	EventFinished        EventType = "finished"
	EventError           EventType = "error"
)

// Event is a progress notification emitted by the driver.
// Seq orders events of one driver call; consumers must keep per-thread order.
type Event struct {
	Type      EventType `json:"type"`
	ThreadID  string    `json:"thread_id"`
	Node      string    `json:"node,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// NodeEnd is the payload of a node_end event.
type NodeEnd struct {
	Delta    Delta         `json:"delta"`
	Duration time.Duration `json:"duration_ns"`
}

// ToolCall is the payload of tool_start and tool_end events.
type ToolCall struct {
	Name     string `json:"name"`
	Input    any    `json:"input,omitempty"`
	Output   any    `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Replayed bool   `json:"replayed,omitempty"`
}

// InterruptRaised is the payload of an interrupt_raised event.
type InterruptRaised struct {
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Finished is the payload of a finished event.
type Finished struct {
	Message        string `json:"message,omitempty"`
	IterationIndex int    `json:"iteration_index"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Message string `json:"message"`
}
