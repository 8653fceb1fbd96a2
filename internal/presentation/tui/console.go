package tui

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/aretw0/crucible/pkg/domain"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// InputHint is shown under every question.
const InputHint = "Type an answer, or a JSON object such as " +
	"`{\"selected_plan_id\": \"P1\"}` or `{\"experiment_data\": {...}, \"continue_iteration\": true}`. " +
	"`/stop` ends the task, `/quit` leaves it suspended."

// Console prints task progress and questions for a human.
type Console struct {
	w       io.Writer
	out     *termenv.Output
	render  Renderer
	verbose bool
}

// ConsoleOption configures a Console.
type ConsoleOption func(*Console)

// WithRenderer overrides the markdown renderer.
func WithRenderer(r Renderer) ConsoleOption {
	return func(c *Console) {
		c.render = r
	}
}

// WithVerbose also prints node starts and tool calls.
func WithVerbose(v bool) ConsoleOption {
	return func(c *Console) {
		c.verbose = v
	}
}

// NewConsole writes to w. Markdown is rendered with glamour when w is a
// terminal and printed as is otherwise.
func NewConsole(w io.Writer, opts ...ConsoleOption) *Console {
	c := &Console{w: w, out: termenv.NewOutput(w), render: PlainRenderer}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		width, _, err := term.GetSize(int(f.Fd()))
		if err != nil || width > 100 {
			width = 100
		}
		c.render = NewRenderer(width)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// System prints a console message.
func (c *Console) System(format string, args ...any) {
	fmt.Fprintln(c.w, c.out.String(">>> "+fmt.Sprintf(format, args...)).Faint())
}

// Error prints err in red.
func (c *Console) Error(err error) {
	fmt.Fprintln(c.w, c.out.String("error: "+err.Error()).Foreground(c.out.Color("#ef4444")))
}

// Prompt marks the input line.
func (c *Console) Prompt() {
	fmt.Fprint(c.w, c.out.String("> ").Bold())
}

// Event prints one progress event.
func (c *Console) Event(ev domain.Event) {
	switch ev.Type {
	case domain.EventNodeStart:
		if c.verbose {
			fmt.Fprintln(c.w, c.out.String("  · "+ev.Node).Faint())
		}
	case domain.EventNodeEnd:
		line := "  ✓ " + ev.Node
		if p, ok := ev.Payload.(domain.NodeEnd); ok {
			line += fmt.Sprintf(" (%s)", p.Duration.Round(time.Millisecond))
		}
		fmt.Fprintln(c.w, c.out.String(line).Foreground(c.out.Color("#22c55e")))
	case domain.EventToolStart, domain.EventToolEnd:
		if !c.verbose {
			return
		}
		if p, ok := ev.Payload.(domain.ToolCall); ok {
			fmt.Fprintln(c.w, c.out.String(fmt.Sprintf("  ⚙ %s %s", p.Name, strings.TrimPrefix(string(ev.Type), "tool_"))).Faint())
		}
	case domain.EventError:
		if p, ok := ev.Payload.(domain.ErrorPayload); ok {
			c.Error(fmt.Errorf("%s: %s", ev.Node, p.Message))
		}
	case domain.EventInterruptRaised, domain.EventFinished:
		// Rendered from the record once the call returns.
	}
}

// Question renders the pending interrupt of a suspended task.
func (c *Console) Question(rec *domain.TaskRecord) {
	if rec.PendingInterrupt == nil {
		return
	}
	c.markdown(QuestionMarkdown(rec.PendingInterrupt))
}

// Finished renders the closing message of a task.
func (c *Console) Finished(rec *domain.TaskRecord) {
	msg := rec.MessageToUser
	if msg == "" {
		msg = "The task is finished."
	}
	c.markdown(fmt.Sprintf("## Done\n\n%s\n\n_%d iteration(s) run._", msg, len(rec.Iterations)))
}

func (c *Console) markdown(md string) {
	out, err := c.render(md)
	if err != nil {
		out, _ = PlainRenderer(md)
	}
	fmt.Fprint(c.w, out)
}

// QuestionMarkdown formats an interrupt payload: the message, the reason, the
// plan options and the work order when present.
func QuestionMarkdown(in *domain.Interrupt) string {
	var b strings.Builder
	p := in.Payload

	msg, _ := p["message"].(string)
	if msg == "" {
		msg = "Input required."
	}
	fmt.Fprintf(&b, "## %s\n\n", msg)
	if reason, _ := p["reason"].(string); reason != "" {
		fmt.Fprintf(&b, "_%s_\n\n", reason)
	}

	if options, ok := p["options"].([]any); ok && len(options) > 0 {
		b.WriteString("Options:\n\n")
		for _, o := range options {
			plan, ok := o.(map[string]any)
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "- **%v**", plan["id"])
			if name, _ := plan["name"].(string); name != "" {
				fmt.Fprintf(&b, " %s", name)
			}
			if text, _ := plan["text"].(string); text != "" {
				fmt.Fprintf(&b, ": %s", text)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if wo, ok := p["workorder"].(map[string]any); ok {
		b.WriteString("Work order:\n\n")
		for _, k := range slices.Sorted(maps.Keys(wo)) {
			fmt.Fprintf(&b, "- %s: `%v`\n", k, wo[k])
		}
		b.WriteString("\n")
	}

	b.WriteString(InputHint + "\n")
	return b.String()
}
