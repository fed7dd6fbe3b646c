// Package agent defines the boundary between the /chat endpoint and the
// program that actually answers a turn.
//
// An Agent receives the turn request and reports progress by emitting wire
// events on a Turn. When it needs a human decision before running a tool it
// calls Turn.RequestPermission, which blocks until the decision arrives, the
// request times out or the turn is aborted.
//
// Two agents are built in:
//
//   - "claude" runs the Claude Code CLI in print mode and translates its
//     stream-json output. Permission prompts reach the server through the
//     approval MCP tool.
//   - "script" plays YAML scenarios. It is used for demos and end-to-end tests.
package agent
