// Package permission provides the permission coordinator used to pause a tool call
// until a human authorizes it.
//
// # Coordinator
//
// A Coordinator holds every in-flight request. Register returns a channel that
// receives exactly one Decision:
//
//   - the decision passed to Resolve, if a human answers first
//   - deny "timed out", once the request's timeout (5 minutes by default) elapses
//   - deny "aborted", when the context passed to Register is done, or on Close
//
// Only the first resolution counts. Resolve on an unknown or already resolved
// id returns ErrNotFound and changes nothing. An allow decision without an
// updated input carries the original tool input.
//
//	coord := permission.NewCoordinator(permission.Config{Audit: sink})
//	decision := coord.Ask(r.Context(), req, func(req types.PermissionRequest) {
//		// forward req to the UI
//	})
//
// # Rules
//
// A Policy decides requests before a human is involved. Rules take the form
// "Tool" or "Tool(pattern)":
//
//	Bash(git *)        every command in the snippet must match to allow
//	Bash(rm *)         any matching command denies
//	Edit(src/**)       doublestar glob over file_path, path or notebook_path
//	WebFetch           any call of the tool
//
// Deny rules win over allow rules. Bash snippets are parsed with mvdan.cc/sh so
// that chains, pipelines and substitutions are all checked.
//
// # Audit
//
// Every request is written to an AuditSink as pending before its timers start,
// and its outcome (allow, deny, timeout, aborted) is written when it finishes.
// Writes are retried with exponential backoff; a failing sink never blocks a
// decision. Recover marks rows left pending by a crashed process as expired.
package permission
