package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/xuxu777xu/CodePilot-sub000/internal/event"
	"github.com/xuxu777xu/CodePilot-sub000/internal/permission"
	"github.com/xuxu777xu/CodePilot-sub000/internal/wire"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// chatTurn is one /chat request as seen by the agent. Permission requests it
// raises are bound to the request context.
type chatTurn struct {
	sessionID   string
	ctx         context.Context
	permissions *permission.Coordinator
	notes       *event.Bus

	mu sync.Mutex
	w  *wire.Writer
}

// Emit writes ev to the response stream.
func (t *chatTurn) Emit(ev wire.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ctx.Err(); err != nil {
		return err
	}
	return t.w.Write(ev)
}

// RequestPermission announces a request on the stream and waits for its
// decision. The request is aborted when either ctx or the /chat request ends.
func (t *chatTurn) RequestPermission(ctx context.Context, toolName string, input json.RawMessage, reason string) types.Decision {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	req := types.PermissionRequest{
		ID:             ulid.Make().String(),
		SessionID:      t.sessionID,
		ToolName:       toolName,
		ToolInput:      input,
		DecisionReason: reason,
		CreatedAt:      time.Now(),
	}
	return t.permissions.Ask(ctx, req, func(r types.PermissionRequest) {
		t.notes.Notify(event.PermissionRequested, t.sessionID, event.PermissionRequestedData{Request: r})
		t.Emit(wire.Event{Type: wire.TypePermissionRequest, Permission: &wire.PermissionRequest{
			ID:             r.ID,
			ToolName:       r.ToolName,
			ToolInput:      r.ToolInput,
			Suggestions:    r.Suggestions,
			DecisionReason: r.DecisionReason,
		}})
	})
}

// turnHub tracks the /chat request currently serving each session, so that
// approval calls arriving over MCP reach the right stream.
type turnHub struct {
	mu    sync.Mutex
	turns map[string]*chatTurn
}

func newTurnHub() *turnHub {
	return &turnHub{turns: make(map[string]*chatTurn)}
}

// add installs t and returns a function removing it again.
func (h *turnHub) add(t *chatTurn) func() {
	h.mu.Lock()
	h.turns[t.sessionID] = t
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		if h.turns[t.sessionID] == t {
			delete(h.turns, t.sessionID)
		}
		h.mu.Unlock()
	}
}

func (h *turnHub) get(sessionID string) *chatTurn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.turns[sessionID]
}
