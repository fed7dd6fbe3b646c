// Package server provides the CodePilot HTTP server.
//
// The server has two faces.
//
// The agent face runs turns. POST /chat drives the configured agent and
// streams its progress as wire events on the response body. Permission
// requests raised during the turn are held by the permission coordinator
// until POST /chat/permission answers them, they time out, or the /chat
// request goes away. The Claude Code CLI reaches the coordinator through the
// approval MCP endpoint mounted at /mcp.
//
// The UI face is the session API under /session/{sessionID}. It is backed by
// a stream registry whose transport points at the server's own /chat
// endpoint, so a turn keeps running when the UI that started it disconnects.
// GET /session/{sessionID}/events streams every state change as SSE.
//
// # API Endpoints
//
//   - POST /chat, POST /chat/permission: turn execution
//   - GET /permission, GET /permission/audit: pending requests and audit log
//   - /session/{sessionID}/*: start, stop, permission, snapshot, events, clear
//   - GET /event: notification stream (files changed, permissions, turns)
//   - /mcp: approval MCP server
//   - GET /health
package server
