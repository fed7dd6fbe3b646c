package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

func sessionParam(r *http.Request) string {
	return chi.URLParam(r, "sessionID")
}

// StartTurnRequest is the body of POST /session/{sessionID}/start.
type StartTurnRequest struct {
	Content            string                 `json:"content"`
	Mode               string                 `json:"mode,omitempty"`
	Model              string                 `json:"model,omitempty"`
	ProviderID         string                 `json:"providerId,omitempty"`
	WorkingDirectory   string                 `json:"workingDirectory,omitempty"`
	Files              []types.FileAttachment `json:"files,omitempty"`
	SystemPromptAppend string                 `json:"systemPromptAppend,omitempty"`
}

// startTurn handles POST /session/{sessionID}/start.
func (s *Server) startTurn(w http.ResponseWriter, r *http.Request) {
	var body StartTurnRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid request body")
		return
	}
	if body.Content == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "content is required")
		return
	}

	turnID, err := s.registry.Start(sessionParam(r), types.TurnRequest{
		Content:            body.Content,
		Mode:               body.Mode,
		Model:              body.Model,
		ProviderID:         body.ProviderID,
		WorkingDirectory:   body.WorkingDirectory,
		Files:              body.Files,
		SystemPromptAppend: body.SystemPromptAppend,
	})
	if err != nil {
		writeDomainError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"turnId": turnID})
}

// stopTurn handles POST /session/{sessionID}/stop.
func (s *Server) stopTurn(w http.ResponseWriter, r *http.Request) {
	s.registry.Stop(sessionParam(r))
	writeSuccess(w)
}

// respondPermission handles POST /session/{sessionID}/permission.
func (s *Server) respondPermission(w http.ResponseWriter, r *http.Request) {
	var d types.Decision
	if err := decodeBody(r, &d); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid request body")
		return
	}
	if !d.Behavior.Valid() {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "behavior must be allow or deny")
		return
	}
	if err := s.registry.RespondToPermission(r.Context(), sessionParam(r), d); err != nil {
		writeDomainError(w, err, nil)
		return
	}
	writeSuccess(w)
}

// getSnapshot handles GET /session/{sessionID}/snapshot.
func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.registry.Snapshot(sessionParam(r))
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "No state for session")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// clearSession handles DELETE /session/{sessionID}.
func (s *Server) clearSession(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionParam(r)
	if s.registry.Active(sessionID) {
		writeError(w, http.StatusConflict, ErrCodeConflict, "Turn still running")
		return
	}
	s.registry.Clear(sessionID)
	writeSuccess(w)
}
