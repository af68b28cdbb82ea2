// Package mcp exposes the pipeline engine as MCP tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/igoryan-dao/cascade/internal/pipeline"
	"github.com/igoryan-dao/cascade/internal/state"
	"github.com/igoryan-dao/cascade/internal/task"
	"github.com/igoryan-dao/cascade/internal/workflow"
)

// getArgs extracts arguments from request as map[string]any
func getArgs(request mcp.CallToolRequest) map[string]any {
	if args, ok := request.Params.Arguments.(map[string]any); ok {
		return args
	}
	return make(map[string]any)
}

// Server wraps an MCP server around the pipeline service.
type Server struct {
	mcpServer *server.MCPServer
	svc       *pipeline.Service
}

// NewServer creates an MCP server exposing workflow tools.
func NewServer(svc *pipeline.Service) *Server {
	s := &Server{svc: svc}

	mcpServer := server.NewMCPServer(
		"cascade",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)
	s.mcpServer = mcpServer
	return s
}

// Serve runs a server for svc in stdio mode. Convenience for the CLI.
func Serve(svc *pipeline.Service) error {
	return NewServer(svc).Run()
}

// Run starts the MCP server in stdio mode.
func (s *Server) Run() error {
	log.Println("Starting Cascade MCP server in stdio mode...")
	return server.ServeStdio(s.mcpServer)
}

// registerTools adds all MCP tools
func (s *Server) registerTools(mcpServer *server.MCPServer) {
	runTool := mcp.NewTool("run_workflow",
		mcp.WithDescription("Start a workflow execution from a YAML definition file. Runs in the background; returns the execution ID to poll with workflow_status."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path to the workflow YAML file"),
		),
	)
	mcpServer.AddTool(runTool, s.handleRunWorkflow)

	resumeTool := mcp.NewTool("resume_workflow",
		mcp.WithDescription("Resume a paused or timed-out workflow execution from its last completed step."),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("The execution ID to resume"),
		),
	)
	mcpServer.AddTool(resumeTool, s.handleResumeWorkflow)

	statusTool := mcp.NewTool("workflow_status",
		mcp.WithDescription("Get the durable state of a workflow execution: status, progress and per-step results."),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("The execution ID to inspect"),
		),
	)
	mcpServer.AddTool(statusTool, s.handleWorkflowStatus)

	listResumableTool := mcp.NewTool("list_resumable",
		mcp.WithDescription("List executions that are paused or timed out and can be resumed."),
	)
	mcpServer.AddTool(listResumableTool, s.handleListResumable)

	listWorkflowsTool := mcp.NewTool("list_workflows",
		mcp.WithDescription("List workflow definitions found in a directory."),
		mcp.WithString("dir",
			mcp.Required(),
			mcp.Description("Directory to scan for workflow YAML files"),
		),
	)
	mcpServer.AddTool(listWorkflowsTool, s.handleListWorkflows)

	pauseTool := mcp.NewTool("pause_workflow",
		mcp.WithDescription("Request a pause of a running execution at its next task boundary."),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("The execution ID to pause"),
		),
	)
	mcpServer.AddTool(pauseTool, s.handlePauseWorkflow)
}

// handleRunWorkflow starts a workflow execution in the background
func (s *Server) handleRunWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)

	path, ok := args["path"].(string)
	if !ok || path == "" {
		return mcp.NewToolResultError("path parameter is required"), nil
	}

	orch, st, tasks, err := s.svc.Start(ctx, path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start workflow: %v", err)), nil
	}

	s.svc.Track(st.ExecutionID, orch)
	go s.runDetached(orch, st, tasks)

	return mcp.NewToolResultText(fmt.Sprintf("Execution %s started (%d steps). Poll workflow_status for progress.", st.ExecutionID, len(tasks))), nil
}

// handleResumeWorkflow resumes a paused execution in the background
func (s *Server) handleResumeWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)

	executionID, ok := args["execution_id"].(string)
	if !ok || executionID == "" {
		return mcp.NewToolResultError("execution_id parameter is required"), nil
	}

	orch, st, tasks, err := s.svc.PrepareResume(executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to resume: %v", err)), nil
	}

	s.svc.Track(st.ExecutionID, orch)
	go s.runDetached(orch, st, tasks)

	return mcp.NewToolResultText(fmt.Sprintf("Execution %s resumed at step %d/%d.", st.ExecutionID, st.CurrentStep, st.TotalSteps)), nil
}

// runDetached drives an execution to completion, draining its events. The
// durable state file is the source of truth for callers polling status.
func (s *Server) runDetached(orch *pipeline.Orchestrator, st *state.WorkflowState, tasks []*task.Record) {
	defer s.svc.Untrack(st.ExecutionID)

	go func() {
		for ev := range orch.Events() {
			log.Printf("[%s] %s", st.ExecutionID, ev.Message)
		}
	}()

	if _, err := orch.Run(context.Background(), st, tasks); err != nil {
		log.Printf("Execution %s finished with error: %v", st.ExecutionID, err)
	}
}

// handleWorkflowStatus returns the stored state of an execution
func (s *Server) handleWorkflowStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)

	executionID, ok := args["execution_id"].(string)
	if !ok || executionID == "" {
		return mcp.NewToolResultError("execution_id parameter is required"), nil
	}

	st, err := s.svc.Store().Load(executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load state: %v", err)), nil
	}
	if st == nil {
		return mcp.NewToolResultError(fmt.Sprintf("no execution %s", executionID)), nil
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode state: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// handleListResumable lists paused and timed-out executions
func (s *Server) handleListResumable(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	states, err := s.svc.Store().ListResumable()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list executions: %v", err)), nil
	}
	if len(states) == 0 {
		return mcp.NewToolResultText("No resumable executions."), nil
	}

	var sb strings.Builder
	for _, st := range states {
		fmt.Fprintf(&sb, "%s  %s  %s (%d/%d, %s)\n",
			st.ExecutionID, st.WorkflowName, st.Status, st.CurrentStep, st.TotalSteps, st.PauseReason)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// handleListWorkflows scans a directory for workflow definitions
func (s *Server) handleListWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)

	dir, ok := args["dir"].(string)
	if !ok || dir == "" {
		return mcp.NewToolResultError("dir parameter is required"), nil
	}

	defs, err := workflow.Scan(dir)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to scan %s: %v", dir, err)), nil
	}
	if len(defs) == 0 {
		return mcp.NewToolResultText("No workflows found."), nil
	}

	var sb strings.Builder
	for _, def := range defs {
		fmt.Fprintf(&sb, "%s (%d steps) %s\n", def.Name, len(def.Steps), def.Path)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// handlePauseWorkflow requests a pause of a tracked running execution
func (s *Server) handlePauseWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)

	executionID, ok := args["execution_id"].(string)
	if !ok || executionID == "" {
		return mcp.NewToolResultError("execution_id parameter is required"), nil
	}

	if !s.svc.RequestPause(executionID) {
		return mcp.NewToolResultError(fmt.Sprintf("execution %s is not running in this server", executionID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Pause requested for %s. It takes effect at the next task boundary.", executionID)), nil
}
