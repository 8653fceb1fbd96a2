// Package mcp exposes crucible tasks as Model Context Protocol tools, so an
// agent can start tasks, answer their questions and inspect them.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aretw0/crucible"
	"github.com/aretw0/crucible/internal/logging"
	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/runner"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Engine is the part of crucible.Engine the MCP server needs.
type Engine interface {
	Start(ctx context.Context, req crucible.StartRequest) iter.Seq2[domain.Event, error]
	Resume(ctx context.Context, threadID string, value any) iter.Seq2[domain.Event, error]
	Continue(ctx context.Context, threadID string) iter.Seq2[domain.Event, error]
	Get(ctx context.Context, threadID string) (*domain.TaskRecord, error)
	List(ctx context.Context) ([]*domain.TaskRecord, error)
	Workers() []string
}

var _ Engine = (*crucible.Engine)(nil)

// RunResult is the outcome of a start, resume or continue call.
type RunResult struct {
	ThreadID  string            `json:"thread_id"`
	Status    domain.TaskStatus `json:"status"`
	Trace     []string          `json:"trace"`
	Message   string            `json:"message,omitempty"`
	Interrupt map[string]any    `json:"interrupt,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// TaskSummary is one entry of list_tasks.
type TaskSummary struct {
	ThreadID       string            `json:"thread_id"`
	Status         domain.TaskStatus `json:"status"`
	CurrentNode    string            `json:"current_node"`
	IterationIndex int               `json:"iteration_index"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Server wraps the engine and exposes it as an MCP server.
type Server struct {
	engine    Engine
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a new MCP Server instance.
func NewServer(engine Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		engine: engine,
		logger: logger,
		mcpServer: server.NewMCPServer(
			"crucible-mcp",
			strings.TrimSpace(crucible.Version),
			server.WithToolCapabilities(false),
			server.WithRecovery(),
			server.WithInstructions("Crucible runs long-lived analysis tasks. Use start_task to begin, "+
				"resume_task to answer a suspended task, get_task and list_tasks to inspect them."),
		),
	}
	s.mcpServer.AddTools(s.tools()...)
	s.registerResources()
	return s
}

// MCPServer returns the underlying server for custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves on stdin and stdout until ctx is done or stdin closes.
func (s *Server) ServeStdio(ctx context.Context) error {
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

// ServeSSE serves the SSE transport on addr until ctx is done.
func (s *Server) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sse := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", sse.SSEHandler())
	mux.Handle("/message", sse.MessageHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("MCP server listening (SSE)", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("stop mcp server: %w", err)
		}
		return nil
	}
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: mcp.NewTool("start_task",
			mcp.WithDescription("Start a task and run it until it needs input or finishes."),
			mcp.WithObject("payload", mcp.Required(), mcp.Description("Task input, for example the alloy composition")),
			mcp.WithString("thread_id", mcp.Description("Thread ID (generated when omitted)")),
			mcp.WithString("task_id", mcp.Description("Task ID (defaults to the thread ID)")),
			mcp.WithNumber("max_iterations", mcp.Description("Bound of the analysis loop")),
		), Handler: s.handleStart},
		{Tool: mcp.NewTool("resume_task",
			mcp.WithDescription("Answer a suspended task. Pass either a text answer or a structured value "+
				"such as {\"selected_plan_id\":\"P1\"} or {\"experiment_data\":{...},\"continue_iteration\":true}."),
			mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread ID of the task")),
			mcp.WithString("answer", mcp.Description("Free-text answer")),
			mcp.WithObject("value", mcp.Description("Structured resume value")),
		), Handler: s.handleResume},
		{Tool: mcp.NewTool("continue_task",
			mcp.WithDescription("Drive an active task that stopped mid-run, for example after a crash."),
			mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread ID of the task")),
		), Handler: s.handleContinue},
		{Tool: mcp.NewTool("get_task",
			mcp.WithDescription("Get the full record of a task."),
			mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread ID of the task")),
		), Handler: s.handleGet},
		{Tool: mcp.NewTool("list_tasks",
			mcp.WithDescription("List tasks, most recently updated first."),
			mcp.WithString("status", mcp.Enum("active", "suspended", "finished"), mcp.Description("Only tasks in this status")),
		), Handler: s.handleList},
	}
}

func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload := mcp.ParseStringMap(req, "payload", nil)
	if payload == nil {
		return mcp.NewToolResultError("payload is required"), nil
	}
	seq := s.engine.Start(ctx, crucible.StartRequest{
		TaskID:        req.GetString("task_id", ""),
		ThreadID:      req.GetString("thread_id", ""),
		Payload:       payload,
		MaxIterations: req.GetInt("max_iterations", 0),
	})
	return s.drive(ctx, seq)
}

func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := req.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("thread_id is required"), nil
	}

	var value any
	if v := mcp.ParseStringMap(req, "value", nil); v != nil {
		value = v
	} else if answer := req.GetString("answer", ""); answer != "" {
		clean, err := runner.SanitizeInput(answer)
		if err != nil {
			s.logger.WarnContext(ctx, "MCP resume: input rejected", "err", err, "size", len(answer))
			return mcp.NewToolResultError(fmt.Sprintf("input rejected: %v", err)), nil
		}
		value = clean
	} else {
		return mcp.NewToolResultError("either answer or value is required"), nil
	}
	return s.drive(ctx, s.engine.Resume(ctx, threadID, value))
}

func (s *Server) handleContinue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := req.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("thread_id is required"), nil
	}
	return s.drive(ctx, s.engine.Continue(ctx, threadID))
}

func (s *Server) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := req.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("thread_id is required"), nil
	}
	rec, err := s.engine.Get(ctx, threadID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(struct {
		*domain.TaskRecord
		Status domain.TaskStatus `json:"status"`
	}{rec, rec.Status()})
}

func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recs, err := s.engine.List(ctx)
	if err != nil {
		return toolError(err), nil
	}
	want := domain.TaskStatus(req.GetString("status", ""))
	out := make([]TaskSummary, 0, len(recs))
	for _, rec := range recs {
		if want != "" && rec.Status() != want {
			continue
		}
		out = append(out, TaskSummary{
			ThreadID:       rec.ThreadID,
			Status:         rec.Status(),
			CurrentNode:    rec.CurrentNode,
			IterationIndex: rec.IterationIndex,
			UpdatedAt:      rec.UpdatedAt,
		})
	}
	return marshalResult(out)
}

// drive consumes a driver call and reports where the task stopped.
func (s *Server) drive(ctx context.Context, seq iter.Seq2[domain.Event, error]) (*mcp.CallToolResult, error) {
	var (
		res     RunResult
		failure error
	)
	for ev, err := range seq {
		if res.ThreadID == "" {
			res.ThreadID = ev.ThreadID
		}
		if err != nil {
			failure = err
			break
		}
		res.Trace = append(res.Trace, fmt.Sprintf("%s:%s", ev.Type, ev.Node))
	}
	if failure != nil && len(res.Trace) == 0 {
		return toolError(failure), nil
	}

	rec, err := s.engine.Get(ctx, res.ThreadID)
	if err != nil {
		return toolError(err), nil
	}
	res.Status = rec.Status()
	res.Message = rec.MessageToUser
	if rec.PendingInterrupt != nil {
		res.Interrupt = rec.PendingInterrupt.Payload
	}
	if failure != nil {
		res.Error = failure.Error()
	}
	return marshalResult(res)
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource("crucible://workers", "Registered workers",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		data, err := json.Marshal(s.engine.Workers())
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "crucible://workers",
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}

// toolError reports err to the agent with a hint on what to do next.
func toolError(err error) *mcp.CallToolResult {
	hint := ""
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		hint = " (use list_tasks to find a thread_id)"
	case errors.Is(err, domain.ErrNotAwaitingInput), errors.Is(err, domain.ErrTaskFinished):
		hint = " (use get_task to check the task status)"
	case errors.Is(err, domain.ErrAwaitingInput):
		hint = " (answer it with resume_task)"
	}
	return mcp.NewToolResultError(err.Error() + hint)
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
