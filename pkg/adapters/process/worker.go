package process

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/aretw0/crucible/internal/logging"
	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/worker"
	"github.com/mitchellh/mapstructure"
)

// DefaultGracePeriod is how long a cancelled command may take to exit after
// the interrupt signal before it is killed.
const DefaultGracePeriod = 5 * time.Second

// Environment variables passed to the command.
const (
	EnvThreadID  = "CRUCIBLE_THREAD_ID"
	EnvTaskID    = "CRUCIBLE_TASK_ID"
	EnvNode      = "CRUCIBLE_NODE"
	EnvIteration = "CRUCIBLE_ITERATION"
	EnvResume    = "CRUCIBLE_RESUME"
	EnvResumes   = "CRUCIBLE_RESUMES"
)

// Output is what a command prints on stdout. An object with none of these
// keys is taken as the payload itself.
type Output struct {
	Payload map[string]any `mapstructure:"payload"`
	Message string         `mapstructure:"message"`
	Suspend map[string]any `mapstructure:"suspend"`
	Error   string         `mapstructure:"error"`
}

// Worker runs an external command as a worker.
//
// The command receives the task payload as JSON on stdin. Printing
// {"suspend": {...}} parks the task; on resume the command runs again with
// the resume value in CRUCIBLE_RESUME (and every value so far in
// CRUCIBLE_RESUMES). Earlier runs of the same pass are replayed, not re-run.
type Worker struct {
	cfg     Config
	baseDir string
	grace   time.Duration
	logger  *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithBaseDir sets the working directory for commands without their own dir.
func WithBaseDir(dir string) Option {
	return func(w *Worker) {
		w.baseDir = dir
	}
}

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(d time.Duration) Option {
	return func(w *Worker) {
		w.grace = d
	}
}

// WithLogger configures the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// New creates a process worker.
func New(cfg Config, opts ...Option) *Worker {
	w := &Worker{
		cfg:    cfg,
		grace:  DefaultGracePeriod,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Workers builds one Worker per config entry.
func Workers(cfgs []Config, opts ...Option) []worker.Worker {
	out := make([]worker.Worker, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, New(c, opts...))
	}
	return out
}

func (w *Worker) Name() string       { return w.cfg.Name }
func (w *Worker) Requires() []string { return w.cfg.Requires }

// Run executes the command until it returns a result or asks to suspend.
func (w *Worker) Run(ctx context.Context, snap *domain.TaskRecord) (domain.Delta, error) {
	var resumes []any
	for {
		input := map[string]any{"resumes": len(resumes)}
		res, err := worker.Tool(ctx, "exec:"+w.cfg.Name, input, func(ctx context.Context) (any, error) {
			return w.exec(ctx, snap, resumes)
		})
		if err != nil {
			return domain.Delta{}, err
		}

		out, err := decodeOutput(res)
		if err != nil {
			return domain.Delta{}, err
		}
		if out.Error != "" {
			return domain.Delta{}, errors.New(out.Error)
		}
		if out.Suspend != nil {
			v, err := worker.Suspend(ctx, out.Suspend)
			if err != nil {
				return domain.Delta{}, err
			}
			resumes = append(resumes, v)
			continue
		}

		delta := domain.Delta{Payload: out.Payload}
		if out.Message != "" {
			delta.Turns = []domain.Turn{{Role: domain.RoleAssistant, Content: out.Message, Node: w.cfg.Name, At: time.Now().UTC()}}
		}
		return delta, nil
	}
}

// exec runs the command once and returns its parsed stdout.
func (w *Worker) exec(ctx context.Context, snap *domain.TaskRecord, resumes []any) (map[string]any, error) {
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	stdin, err := json.Marshal(snap.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	cmd := exec.CommandContext(ctx, w.cfg.Command, w.cfg.Args...)
	cmd.Dir = w.cfg.Dir
	if cmd.Dir == "" {
		cmd.Dir = w.baseDir
	}
	// Ask politely first; WaitDelay kills the command if it ignores the signal.
	cmd.Cancel = func() error {
		if runtime.GOOS == "windows" {
			return cmd.Process.Kill()
		}
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = w.grace

	env, err := w.environ(snap, resumes)
	if err != nil {
		return nil, err
	}
	cmd.Env = append(cmd.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	w.logger.DebugContext(ctx, "process worker exited",
		"worker", w.cfg.Name,
		"duration", time.Since(start),
		"resumes", len(resumes),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("execution failed: %w", ctxErr)
		}
		return nil, fmt.Errorf("execution failed: %v: %s", err, strings.TrimSpace(stderr.String()))
	}

	trimmed := bytes.TrimSpace(stdout.Bytes())
	if len(trimmed) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, fmt.Errorf("stdout is not a JSON object: %w", err)
	}
	return out, nil
}

func (w *Worker) environ(snap *domain.TaskRecord, resumes []any) ([]string, error) {
	env := []string{
		EnvThreadID + "=" + snap.ThreadID,
		EnvTaskID + "=" + snap.TaskID,
		EnvNode + "=" + w.cfg.Name,
		EnvIteration + "=" + strconv.Itoa(snap.IterationIndex),
	}
	for k, v := range w.cfg.Env {
		env = append(env, k+"="+v)
	}
	if len(resumes) > 0 {
		last, err := json.Marshal(resumes[len(resumes)-1])
		if err != nil {
			return nil, fmt.Errorf("encode resume: %w", err)
		}
		all, err := json.Marshal(resumes)
		if err != nil {
			return nil, fmt.Errorf("encode resumes: %w", err)
		}
		env = append(env, EnvResume+"="+string(last), EnvResumes+"="+string(all))
	}
	return env, nil
}

func decodeOutput(v any) (Output, error) {
	var out Output
	m, _ := v.(map[string]any)
	if m == nil {
		return out, nil
	}
	_, hasPayload := m["payload"]
	_, hasMessage := m["message"]
	_, hasSuspend := m["suspend"]
	_, hasError := m["error"]
	if !hasPayload && !hasMessage && !hasSuspend && !hasError {
		out.Payload = m
		return out, nil
	}
	if err := mapstructure.Decode(m, &out); err != nil {
		return out, fmt.Errorf("decode worker output: %w", err)
	}
	return out, nil
}
