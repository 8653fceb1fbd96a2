package domain

import (
	"errors"
	"fmt"
)

// ErrTaskNotFound is returned when a thread ID cannot be found in the store.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskExists is returned when starting a task on a thread that already has a record.
var ErrTaskExists = errors.New("task already exists")

// ErrNotAwaitingInput is returned when a resume arrives for a task with no pending interrupt.
var ErrNotAwaitingInput = errors.New("task not awaiting input")

// ErrAwaitingInput is returned when a suspended task is driven without a resume value.
var ErrAwaitingInput = errors.New("task is awaiting input")

// ErrTaskFinished is returned when driving a task that already reached the finished node.
var ErrTaskFinished = errors.New("task already finished")

// ErrTaskBusy is returned when another step for the same thread is in flight.
var ErrTaskBusy = errors.New("task is busy")

// ErrInvalidResume is returned when a resume value matches none of the accepted shapes.
var ErrInvalidResume = errors.New("invalid resume value")

// ErrUnknownWorker is returned when a route names a worker that is not registered.
var ErrUnknownWorker = errors.New("unknown worker")

// ErrStepLimit is returned when a single driver call exceeds its step budget.
var ErrStepLimit = errors.New("step limit exceeded")

// WorkerError wraps a failure raised by a worker or by its input checks.
// It never escapes the driver: it is folded into a delta instead.
type WorkerError struct {
	Worker string
	Err    error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s: %v", e.Worker, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// Delta converts the failure into the record update the dispatcher routes on.
func (e *WorkerError) Delta() Delta {
	return Delta{
		ErrorMessage:        Ptr(e.Error()),
		LastCompletedWorker: Ptr(e.Worker),
		NextAction:          Ptr(""),
	}
}

// DecisionParseError reports decider output that does not map onto a Decision.
type DecisionParseError struct {
	Raw any
	Err error
}

func (e *DecisionParseError) Error() string {
	return fmt.Sprintf("unparseable decision: %v", e.Err)
}

func (e *DecisionParseError) Unwrap() error { return e.Err }
