package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/aretw0/crucible"
	"github.com/aretw0/crucible/internal/presentation/tui"
	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/runner"
)

// Console commands.
const (
	cmdQuit = "/quit"
	cmdStop = "/stop"
)

// Engine is the part of crucible.Engine the commands drive.
type Engine interface {
	Start(ctx context.Context, req crucible.StartRequest) iter.Seq2[domain.Event, error]
	Resume(ctx context.Context, threadID string, value any) iter.Seq2[domain.Event, error]
	Continue(ctx context.Context, threadID string) iter.Seq2[domain.Event, error]
	Get(ctx context.Context, threadID string) (*domain.TaskRecord, error)
	List(ctx context.Context) ([]*domain.TaskRecord, error)
	Delete(ctx context.Context, threadID string) error
}

var _ Engine = (*crucible.Engine)(nil)

// RunOptions configures an interactive session.
type RunOptions struct {
	// ThreadID selects the task. An existing task is picked up where it
	// stopped; otherwise a new one is started under this ID.
	ThreadID      string
	TaskID        string
	Payload       map[string]any
	MaxIterations int

	// JSON writes events as NDJSON and prints no prompts.
	JSON    bool
	Verbose bool
}

// Run drives a task from the terminal: it prints progress, asks the user
// whenever the task suspends and resumes it with the answer. It returns when
// the task finishes, the user quits or the input ends.
func Run(ctx context.Context, eng Engine, opts RunOptions, in io.Reader, out io.Writer) error {
	s := &session{
		engine:   eng,
		opts:     opts,
		threadID: opts.ThreadID,
		input:    newInputPump(in),
		console:  tui.NewConsole(out, tui.WithVerbose(opts.Verbose)),
	}
	if opts.JSON {
		s.enc = json.NewEncoder(out)
	}
	return s.loop(ctx)
}

type session struct {
	engine   Engine
	opts     RunOptions
	threadID string
	input    *inputPump
	console  *tui.Console
	enc      *json.Encoder
}

func (s *session) loop(ctx context.Context) error {
	seq, err := s.open(ctx)
	if err != nil {
		return err
	}
	for {
		if seq != nil {
			if err := s.drive(seq); err != nil {
				if !errors.Is(err, domain.ErrInvalidResume) {
					return err
				}
				if s.enc == nil {
					s.console.Error(err)
				}
			}
		}

		rec, err := s.engine.Get(ctx, s.threadID)
		if err != nil {
			return err
		}
		switch rec.Status() {
		case domain.StatusFinished:
			if s.enc == nil {
				s.console.Finished(rec)
			}
			return nil
		case domain.StatusActive:
			seq = s.engine.Continue(ctx, s.threadID)
			continue
		}

		if s.enc == nil {
			s.console.Question(rec)
		}
		value, err := s.ask(ctx)
		if err != nil {
			if IsInterrupted(err) && s.enc == nil {
				s.console.System("Task %q left suspended. Run again with --thread %s to answer it.", s.threadID, s.threadID)
			}
			return err
		}
		seq = s.engine.Resume(ctx, s.threadID, value)
	}
}

// open picks up the selected task or starts a new one. A nil sequence means
// the task is already waiting for input.
func (s *session) open(ctx context.Context) (iter.Seq2[domain.Event, error], error) {
	if s.threadID != "" {
		rec, err := s.engine.Get(ctx, s.threadID)
		switch {
		case err == nil:
			if s.enc == nil {
				s.console.System("Resuming task %q at %s.", s.threadID, rec.CurrentNode)
			}
			if rec.Status() == domain.StatusActive {
				return s.engine.Continue(ctx, s.threadID), nil
			}
			return nil, nil
		case !errors.Is(err, domain.ErrTaskNotFound):
			return nil, err
		}
	}
	return s.engine.Start(ctx, crucible.StartRequest{
		ThreadID:      s.threadID,
		TaskID:        s.opts.TaskID,
		Payload:       s.opts.Payload,
		MaxIterations: s.opts.MaxIterations,
	}), nil
}

// drive prints the events of one call. Errors raised before the task was
// touched are returned without printing.
func (s *session) drive(seq iter.Seq2[domain.Event, error]) error {
	announced := s.threadID != ""
	for ev, err := range seq {
		if err != nil {
			if s.enc != nil && ev.ThreadID != "" {
				_ = s.enc.Encode(ev)
			}
			return err
		}
		if s.threadID == "" {
			s.threadID = ev.ThreadID
		}
		if !announced && s.enc == nil {
			s.console.System("Task %q started.", s.threadID)
			announced = true
		}
		if s.enc != nil {
			if err := s.enc.Encode(ev); err != nil {
				return err
			}
			continue
		}
		s.console.Event(ev)
	}
	return nil
}

// ask reads input until it forms a valid resume value.
func (s *session) ask(ctx context.Context) (any, error) {
	for {
		if s.enc == nil {
			s.console.Prompt()
		}
		line, err := s.input.next(ctx)
		if err != nil {
			return nil, err
		}
		value, err := ParseAnswer(line)
		if errors.Is(err, io.EOF) {
			return nil, err
		}
		if err != nil {
			s.fail(err)
			continue
		}
		if value == nil {
			continue
		}
		return value, nil
	}
}

// fail reports an input error without ending the session.
func (s *session) fail(err error) {
	if s.enc == nil {
		s.console.Error(err)
		return
	}
	_ = s.enc.Encode(domain.Event{
		Type:      domain.EventError,
		ThreadID:  s.threadID,
		Payload:   domain.ErrorPayload{Message: err.Error()},
		Timestamp: time.Now().UTC(),
	})
}

// ParseAnswer turns an input line into a resume value: JSON objects are sent
// as structured values, /stop terminates the task and anything else is a text
// answer. Empty lines yield nil. /quit yields io.EOF.
func ParseAnswer(line string) (any, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil, nil
	case line == cmdQuit:
		return nil, io.EOF
	case line == cmdStop:
		return map[string]any{"action": "terminate", "message": "stopped from the console"}, nil
	case strings.HasPrefix(line, "{"):
		var v map[string]any
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			return nil, fmt.Errorf("invalid JSON answer: %w", err)
		}
		return v, nil
	}
	clean, err := runner.SanitizeInput(line)
	if err != nil {
		return nil, fmt.Errorf("input rejected: %w", err)
	}
	return clean, nil
}
