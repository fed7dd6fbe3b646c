package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)

	// Turn execution
	r.Route("/chat", func(r chi.Router) {
		r.Post("/", s.chat)
		r.Post("/permission", s.answerPermission)
	})

	// Permission inspection
	r.Route("/permission", func(r chi.Router) {
		r.Get("/", s.listPermissions)
		r.Get("/audit", s.listAudit)
		r.Get("/audit/{permissionID}", s.getAudit)
	})

	// UI-facing session streams
	r.Route("/session/{sessionID}", func(r chi.Router) {
		r.Post("/start", s.startTurn)
		r.Post("/stop", s.stopTurn)
		r.Post("/permission", s.respondPermission)
		r.Get("/snapshot", s.getSnapshot)
		r.Get("/events", s.sessionEvents)
		r.Delete("/", s.clearSession)
	})

	// Notifications (SSE)
	r.Get("/event", s.globalEvents)

	// Approval MCP server
	r.Handle("/mcp", s.mcp)
}
