// Package approval provides the MCP server that answers an agent's
// permission prompts.
//
// The server exposes a single tool, "approve". The Claude Code CLI calls it
// (via --permission-prompt-tool) before running a tool that needs consent.
// The call blocks until the Approver returns a decision, which is sent back
// as the JSON document the CLI expects.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

const (
	ServerName    = "codepilot"
	ServerVersion = "1.0.0"
	ToolName      = "approve"

	// SessionHeader carries the session id on MCP requests.
	SessionHeader = "X-CodePilot-Session"
	// SessionQuery is the query parameter alternative to SessionHeader.
	SessionQuery = "session"
)

// Request is a permission prompt received from the agent.
type Request struct {
	SessionID string
	ToolName  string
	ToolUseID string
	Input     json.RawMessage
}

// Approver decides permission prompts.
type Approver interface {
	Approve(ctx context.Context, req Request) (types.Decision, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req Request) (types.Decision, error)

func (f ApproverFunc) Approve(ctx context.Context, req Request) (types.Decision, error) {
	return f(ctx, req)
}

// Response is the tool result document.
type Response struct {
	Behavior     types.Behavior  `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

type sessionKey struct{}

// WithSession returns a context carrying sessionID.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFrom returns the session id stored by WithSession.
func SessionFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// NewServer creates the MCP server.
func NewServer(a Approver) *server.MCPServer {
	s := server.NewMCPServer(
		ServerName,
		ServerVersion,
		server.WithToolCapabilities(false),
	)

	approveTool := mcp.NewTool(ToolName,
		mcp.WithDescription("Asks the user whether a tool call may run"),
		mcp.WithString("tool_name",
			mcp.Required(),
			mcp.Description("Name of the tool requesting permission"),
		),
		mcp.WithObject("input",
			mcp.Required(),
			mcp.Description("Input of the tool call"),
		),
		mcp.WithString("tool_use_id",
			mcp.Description("Id of the tool call"),
		),
	)
	s.AddTool(approveTool, approveHandler(a))
	return s
}

// NewHTTPHandler serves the MCP server over streamable HTTP. The session id
// is taken from SessionHeader or the SessionQuery parameter.
func NewHTTPHandler(a Approver, opts ...server.StreamableHTTPOption) http.Handler {
	opts = append([]server.StreamableHTTPOption{
		server.WithStateLess(true),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			id := r.Header.Get(SessionHeader)
			if id == "" {
				id = r.URL.Query().Get(SessionQuery)
			}
			return WithSession(ctx, id)
		}),
	}, opts...)
	return server.NewStreamableHTTPServer(NewServer(a), opts...)
}

func approveHandler(a Approver) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		toolName, err := request.RequireString("tool_name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		input := json.RawMessage(`{}`)
		if raw, ok := request.GetArguments()["input"]; ok && raw != nil {
			b, err := json.Marshal(raw)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid input: %v", err)), nil
			}
			input = b
		}

		sessionID := SessionFrom(ctx)
		if sessionID == "" {
			return mcp.NewToolResultError("missing session id"), nil
		}

		d, err := a.Approve(ctx, Request{
			SessionID: sessionID,
			ToolName:  toolName,
			ToolUseID: request.GetString("tool_use_id", ""),
			Input:     input,
		})
		if err != nil {
			d = types.Deny(err.Error())
		}

		resp := Response{Behavior: d.Behavior, Message: d.Message}
		if d.Allowed() {
			resp.Message = ""
			resp.UpdatedInput = d.UpdatedInput
			if len(resp.UpdatedInput) == 0 {
				resp.UpdatedInput = input
			}
		} else if resp.Message == "" {
			resp.Message = "Permission denied"
		}

		b, err := json.Marshal(resp)
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(b)), nil
	}
}
