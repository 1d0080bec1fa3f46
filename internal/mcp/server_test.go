package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/textimage/internal/events"
	"github.com/spherical-ai/textimage/internal/imagegen"
	"github.com/spherical-ai/textimage/internal/imagestore"
	"github.com/spherical-ai/textimage/internal/reasoning"
	"github.com/spherical-ai/textimage/internal/workflow"
)

type staticRecognizer string

func (s staticRecognizer) Recognize(ctx context.Context, _ imagestore.Ref) (string, error) {
	return string(s), ctx.Err()
}

func newTestServer(t *testing.T, recognized string) *Server {
	t.Helper()
	store, err := imagestore.New(t.TempDir())
	require.NoError(t, err)

	orch := workflow.New(workflow.Config{MaxIterations: 2, Deadline: 10 * time.Second}, workflow.Deps{
		Generator:  imagegen.NewRenderer(imagegen.RenderConfig{Width: 320, Height: 200, Scale: 2}, store),
		Recognizer: staticRecognizer(recognized),
		Extractor:  reasoning.HeuristicExtractor{},
		Reviser:    reasoning.TemplateReviser{},
	})
	hub := events.NewHub(events.HubConfig{})
	t.Cleanup(hub.Close)
	manager := workflow.NewManager(orch, hub, nil, nil, workflow.ManagerConfig{}, nil)
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	return NewServer(manager, "test", nil)
}

func callTool(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestGenerateTool_Success(t *testing.T) {
	s := newTestServer(t, "Grand Opening")

	res, err := s.handleGenerate(context.Background(), callTool("generate_text_image", map[string]any{
		"prompt": `A storefront banner with the words "Grand Opening"`,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var out GenerateResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.True(t, out.Success)
	assert.Equal(t, "succeeded", out.Status)
	assert.Equal(t, 1, out.TotalIterations)
	assert.Equal(t, "Grand Opening", out.RecognizedText)
	assert.Contains(t, out.FinalImageReference, "/api/images/")

	got, err := s.handleGetWorkflow(context.Background(), callTool("get_workflow", map[string]any{"workflow_id": out.WorkflowID}))
	require.NoError(t, err)
	if !got.IsError {
		var snap workflow.Snapshot
		require.NoError(t, json.Unmarshal([]byte(resultText(t, got)), &snap))
		assert.Equal(t, out.WorkflowID, snap.ID)
	}
}

func TestGenerateTool_Timeout(t *testing.T) {
	s := newTestServer(t, "CLOSED")

	res, err := s.handleGenerate(context.Background(), callTool("generate_text_image", map[string]any{
		"prompt":        "A door sign",
		"intended_text": "OPEN",
	}))
	require.NoError(t, err)

	var out GenerateResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.False(t, out.Success)
	assert.Equal(t, "timed_out", out.Status)
	assert.Equal(t, 2, out.TotalIterations)
}

func TestGenerateTool_NoIntendedText(t *testing.T) {
	s := newTestServer(t, "")

	res, err := s.handleGenerate(context.Background(), callTool("generate_text_image", map[string]any{
		"prompt": "A quiet forest at dusk",
	}))
	require.NoError(t, err)

	var out GenerateResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.Equal(t, "errored", out.Status)
	assert.Equal(t, workflow.MsgNoIntendedText, out.Error)
}

func TestTools_InvalidArguments(t *testing.T) {
	s := newTestServer(t, "x")
	ctx := context.Background()

	res, err := s.handleGenerate(ctx, callTool("generate_text_image", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleGenerate(ctx, callTool("generate_text_image", map[string]any{"prompt": "  "}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, workflow.MsgEmptyPrompt, resultText(t, res))

	res, err = s.handleGetWorkflow(ctx, callTool("get_workflow", map[string]any{"workflow_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandler(t *testing.T) {
	s := newTestServer(t, "x")
	assert.NotNil(t, s.Handler("/mcp"))
	assert.NotNil(t, s.MCPServer())
}
