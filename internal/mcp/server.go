// Package mcp exposes text-image runs as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/spherical-ai/textimage/internal/events"
	"github.com/spherical-ai/textimage/internal/observability"
	"github.com/spherical-ai/textimage/internal/workflow"
)

// Runner starts runs and looks them up.
type Runner interface {
	Start(req workflow.Request) (*workflow.Run, *events.Stream)
	Get(ctx context.Context, id string) (workflow.Snapshot, error)
}

// Server wraps the MCP server and its tools.
type Server struct {
	mcpServer *server.MCPServer
	runner    Runner
	logger    *observability.Logger
}

// NewServer creates the MCP server with the workflow tools registered.
func NewServer(runner Runner, version string, logger *observability.Logger) *Server {
	if logger == nil {
		logger = observability.Nop()
	}
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Text Image Generator",
			version,
			server.WithToolCapabilities(true),
		),
		runner: runner,
		logger: logger.WithComponent("mcp"),
	}

	s.registerTools()
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Handler serves the SSE transport under basePath (basePath+"/sse" and
// basePath+"/message").
func (s *Server) Handler(basePath string) http.Handler {
	return server.NewSSEServer(s.mcpServer, server.WithStaticBasePath(basePath))
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"generate_text_image",
			mcp.WithDescription("Generate an image whose rendered text matches the prompt, retrying with revised prompts until OCR confirms it"),
			mcp.WithString("prompt", mcp.Required(), mcp.Description("Image description, including the text to render")),
			mcp.WithString("intended_text", mcp.Description("Exact text to render; extracted from the prompt when omitted")),
		),
		s.handleGenerate,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_workflow",
			mcp.WithDescription("Get the state and iterations of a workflow run"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The run ID")),
		),
		s.handleGetWorkflow,
	)
}

// GenerateResult is the generate_text_image tool output.
type GenerateResult struct {
	WorkflowID          string `json:"workflow_id"`
	Status              string `json:"status"`
	Success             bool   `json:"success"`
	TotalIterations     int    `json:"total_iterations"`
	FinalImageReference string `json:"final_image_reference,omitempty"`
	RecognizedText      string `json:"recognized_text,omitempty"`
	Error               string `json:"error,omitempty"`
}

func (s *Server) handleGenerate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	prompt, ok := args["prompt"].(string)
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: prompt"), nil
	}
	intended, _ := args["intended_text"].(string)

	req, err := workflow.NewRequest(prompt, intended)
	if err != nil {
		return mcp.NewToolResultError(workflow.MsgEmptyPrompt), nil
	}

	run, stream := s.runner.Start(req)
	s.logger.WithRun(run.ID()).Info().Msg("Run started by MCP tool call")

	result, err := await(ctx, run.ID(), stream)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Workflow %s still running: %v", run.ID(), err)), nil
	}
	result.Status = string(run.Status())
	return jsonResult(result)
}

// await follows stream until its terminal event.
func await(ctx context.Context, runID string, stream *events.Stream) (GenerateResult, error) {
	sub := stream.Subscribe(ctx)
	defer sub.Detach()

	result := GenerateResult{WorkflowID: runID}
	for f := range sub.C {
		switch ev := f.Event.(type) {
		case events.WorkflowComplete:
			result.Success = ev.Success
			result.TotalIterations = ev.TotalIterations
			result.FinalImageReference = ev.FinalImageReference
			result.RecognizedText = ev.RecognizedText
		case events.WorkflowTimeout:
			result.TotalIterations = ev.TotalIterations
			result.FinalImageReference = ev.LastImageReference
		case events.WorkflowError:
			result.Error = ev.ErrorMessage
			result.TotalIterations = ev.Iteration
		case events.StreamEnd:
			return result, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, errors.New("event stream ended early")
}

func (s *Server) handleGetWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	id, ok := args["workflow_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow_id"), nil
	}

	snap, err := s.runner.Get(ctx, id)
	if errors.Is(err, workflow.ErrRunNotFound) {
		return mcp.NewToolResultError("Workflow not found: " + id), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load workflow: %v", err)), nil
	}
	return jsonResult(snap)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
