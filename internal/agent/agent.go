package agent

import (
	"context"
	"encoding/json"

	"github.com/xuxu777xu/CodePilot-sub000/internal/wire"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// Turn is an agent's view of the request it serves.
type Turn interface {
	// Emit writes one event to the turn's stream.
	Emit(ev wire.Event) error
	// RequestPermission asks for a decision on a tool call and blocks until
	// it is made. A request that times out or is aborted is denied.
	RequestPermission(ctx context.Context, toolName string, input json.RawMessage, reason string) types.Decision
}

// Agent answers turns.
type Agent interface {
	Name() string
	Run(ctx context.Context, req types.TurnRequest, turn Turn) error
}

// Env carries server facts an agent may need.
type Env struct {
	// MCPURL is the server's approval MCP endpoint.
	MCPURL string
	// WorkDir is used when a request names no working directory.
	WorkDir string
}

// Factory builds an agent from its configuration.
type Factory func(cfg types.AgentConfig, env Env) (Agent, error)
