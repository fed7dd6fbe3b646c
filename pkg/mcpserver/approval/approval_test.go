package approval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

func callApprove(t *testing.T, a Approver, ctx context.Context, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	tool := NewServer(a).GetTool(ToolName)
	require.NotNil(t, tool, "approve tool should exist")

	req := mcp.CallToolRequest{}
	req.Params.Name = ToolName
	req.Params.Arguments = args
	res, err := tool.Handler(ctx, req)
	require.NoError(t, err)
	return res
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

func TestApprove_AllowDefaultsInput(t *testing.T) {
	var got Request
	a := ApproverFunc(func(_ context.Context, req Request) (types.Decision, error) {
		got = req
		return types.Decision{Behavior: types.BehaviorAllow}, nil
	})

	res := callApprove(t, a, WithSession(context.Background(), "s1"), map[string]any{
		"tool_name":   "Bash",
		"input":       map[string]any{"command": "ls"},
		"tool_use_id": "t1",
	})
	assert.False(t, res.IsError)
	assert.JSONEq(t, `{"behavior":"allow","updatedInput":{"command":"ls"}}`, resultText(t, res))

	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "Bash", got.ToolName)
	assert.Equal(t, "t1", got.ToolUseID)
	assert.JSONEq(t, `{"command":"ls"}`, string(got.Input))
}

func TestApprove_AllowWithOverride(t *testing.T) {
	a := ApproverFunc(func(context.Context, Request) (types.Decision, error) {
		return types.Decision{Behavior: types.BehaviorAllow, UpdatedInput: json.RawMessage(`{"command":"ls -la"}`)}, nil
	})
	res := callApprove(t, a, WithSession(context.Background(), "s1"), map[string]any{
		"tool_name": "Bash",
		"input":     map[string]any{"command": "ls"},
	})
	assert.JSONEq(t, `{"behavior":"allow","updatedInput":{"command":"ls -la"}}`, resultText(t, res))
}

func TestApprove_Deny(t *testing.T) {
	tests := []struct {
		name     string
		decision types.Decision
		err      error
		want     string
	}{
		{"with message", types.Deny("not now"), nil, `{"behavior":"deny","message":"not now"}`},
		{"without message", types.Decision{Behavior: types.BehaviorDeny}, nil, `{"behavior":"deny","message":"Permission denied"}`},
		{"approver error", types.Decision{}, errors.New("session gone"), `{"behavior":"deny","message":"session gone"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := ApproverFunc(func(context.Context, Request) (types.Decision, error) {
				return tt.decision, tt.err
			})
			res := callApprove(t, a, WithSession(context.Background(), "s1"), map[string]any{
				"tool_name": "Write",
				"input":     map[string]any{"file_path": "/etc/passwd"},
			})
			assert.JSONEq(t, tt.want, resultText(t, res))
		})
	}
}

func TestApprove_InvalidCalls(t *testing.T) {
	called := false
	a := ApproverFunc(func(context.Context, Request) (types.Decision, error) {
		called = true
		return types.Decision{Behavior: types.BehaviorAllow}, nil
	})

	res := callApprove(t, a, WithSession(context.Background(), "s1"), map[string]any{"input": map[string]any{}})
	assert.True(t, res.IsError)

	res = callApprove(t, a, context.Background(), map[string]any{"tool_name": "Bash"})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "session")

	assert.False(t, called)
}

func TestSessionContext(t *testing.T) {
	assert.Empty(t, SessionFrom(context.Background()))
	assert.Equal(t, "abc", SessionFrom(WithSession(context.Background(), "abc")))
}
