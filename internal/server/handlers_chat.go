package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xuxu777xu/CodePilot-sub000/internal/logging"
	"github.com/xuxu777xu/CodePilot-sub000/internal/stream"
	"github.com/xuxu777xu/CodePilot-sub000/internal/wire"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/mcpserver/approval"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// health handles GET /health.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	name := ""
	if a := s.currentAgent(); a != nil {
		name = a.Name()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "agent": name})
}

// chat handles POST /chat. It runs one turn and streams wire events until
// the agent returns or the client goes away.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req types.TurnRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "session_id is required")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "content is required")
		return
	}

	a := s.currentAgent()
	if a == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeProviderError, "No agent configured")
		return
	}
	if req.WorkingDirectory == "" {
		req.WorkingDirectory = s.config.Directory
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	sse.flush()

	ctx := r.Context()
	turn := &chatTurn{
		sessionID:   req.SessionID,
		ctx:         ctx,
		permissions: s.permissions,
		notes:       s.notes,
		w:           wire.NewWriter(w, sse.flush),
	}
	remove := s.turns.add(turn)
	defer remove()

	log := logging.Session(req.SessionID)
	log.Info().Str("agent", a.Name()).Int("promptLength", len(req.Content)).Msg("Chat turn started")

	if err := a.Run(ctx, req, turn); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("Agent failed")
		turn.Emit(wire.Error(err.Error()))
	}
	turn.Emit(wire.Done())
	log.Info().Bool("aborted", ctx.Err() != nil).Msg("Chat turn finished")
}

// answerPermission handles POST /chat/permission.
func (s *Server) answerPermission(w http.ResponseWriter, r *http.Request) {
	var answer stream.PermissionAnswer
	if err := decodeBody(r, &answer); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid request body")
		return
	}
	if answer.ID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "permissionRequestId is required")
		return
	}

	if !answer.Decision.Behavior.Valid() {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "behavior must be allow or deny")
		return
	}
	if err := s.permissions.Resolve(answer.ID, answer.Decision); err != nil {
		writeDomainError(w, err, map[string]any{"permissionRequestId": answer.ID})
		return
	}
	writeSuccess(w)
}

// listPermissions handles GET /permission.
func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.permissions.Pending())
}

// listAudit handles GET /permission/audit?sessionID=.
func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	records, err := s.audit.List(r.Context(), r.URL.Query().Get("sessionID"))
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	if records == nil {
		records = []types.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// getAudit handles GET /permission/audit/{permissionID}.
func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "permissionID")
	rec, err := s.audit.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, map[string]any{"permissionRequestId": id})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// approve answers approval MCP calls by routing them to the session's
// running /chat turn.
func (s *Server) approve(ctx context.Context, req approval.Request) (types.Decision, error) {
	turn := s.turns.get(req.SessionID)
	if turn == nil {
		logging.Warn().Str("sessionID", req.SessionID).Str("tool", req.ToolName).Msg("Approval request without an active turn")
		return types.Deny("no active turn for session " + req.SessionID), nil
	}
	return turn.RequestPermission(ctx, req.ToolName, req.Input, ""), nil
}
