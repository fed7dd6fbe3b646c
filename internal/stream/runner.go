package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/xuxu777xu/CodePilot-sub000/internal/logging"
	"github.com/xuxu777xu/CodePilot-sub000/internal/wire"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// Transport opens the event stream for one turn.
type Transport interface {
	Open(ctx context.Context, req types.TurnRequest) (io.ReadCloser, error)
}

// TransportError is a failure to open or read the event stream.
type TransportError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Message
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// abortReason records which monitor ended a turn early. It is set once, before
// the turn's context is canceled, and read after the read loop wakes up.
type abortReason int

const (
	reasonNone abortReason = iota
	reasonUser
	reasonIdle
	reasonToolStall
	reasonReplaced
	reasonShutdown
)

func (r abortReason) String() string {
	switch r {
	case reasonUser:
		return "user"
	case reasonIdle:
		return "idle"
	case reasonToolStall:
		return "tool_stall"
	case reasonReplaced:
		return "replaced"
	case reasonShutdown:
		return "shutdown"
	default:
		return "none"
	}
}

type runnerHooks struct {
	// publish delivers a snapshot. It is called with the runner lock held so
	// that publications leave the runner in mutation order.
	publish func(types.StreamEvent)
	// toolResult fires once per tool outcome.
	toolResult func(toolUseID, toolName string)
	// finished fires once after the terminal snapshot was published.
	finished func(r *Runner, final types.SessionState)
}

// Runner executes one turn and owns its state until the turn ends.
type Runner struct {
	sessionID string
	turnID    string
	req       types.TurnRequest
	retried   bool

	transport Transport
	opts      Options
	hooks     runnerHooks
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      types.SessionState
	reason     abortReason
	lastEvent  time.Time
	turnError  string
	stallTool  string
	stallAfter float64
	finished   bool
}

func newRunner(sessionID string, req types.TurnRequest, retried bool, transport Transport, opts Options, hooks runnerHooks) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	turnID := ulid.Make().String()
	now := time.Now()
	return &Runner{
		sessionID: sessionID,
		turnID:    turnID,
		req:       req,
		retried:   retried,
		transport: transport,
		opts:      opts,
		hooks:     hooks,
		log: logging.With().
			Str("sessionID", sessionID).
			Str("turnID", turnID).
			Logger(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     types.NewSessionState(sessionID, turnID, now),
		lastEvent: now,
	}
}

// TurnID identifies the turn.
func (r *Runner) TurnID() string { return r.turnID }

// Done is closed once the turn has ended and its terminal snapshot was published.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Snapshot returns an immutable copy of the current state.
func (r *Runner) Snapshot() types.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// Stop raises the user cancellation. It has no effect unless the turn is active.
func (r *Runner) Stop() bool {
	return r.abort(reasonUser)
}

// abort cancels the turn for reason. Only the first reason is kept; later
// calls are no-ops and return false.
func (r *Runner) abort(reason abortReason) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abortLocked(reason)
}

func (r *Runner) abortLocked(reason abortReason) bool {
	if r.reason != reasonNone || r.finished {
		return false
	}
	r.reason = reason
	r.cancel()
	r.log.Debug().Str("reason", reason.String()).Msg("Turn abort requested")
	return true
}

// publishLocked publishes the current state. Must be called with r.mu held.
func (r *Runner) publishLocked(typ types.StreamEventType) {
	r.state.UpdatedAt = time.Now()
	r.hooks.publish(types.StreamEvent{
		Type:      typ,
		SessionID: r.sessionID,
		Snapshot:  r.state.Clone(),
	})
}

func (r *Runner) run() {
	defer close(r.done)
	defer r.cancel()

	go r.watchdog()

	r.log.Info().Int("promptLength", len(r.req.Content)).Bool("retry", r.retried).Msg("Turn started")

	body, err := r.transport.Open(r.ctx, r.req)
	if err != nil {
		r.finish(err)
		return
	}

	// Closing the body unblocks a pending read once the turn is canceled.
	stop := context.AfterFunc(r.ctx, func() { body.Close() })
	readErr := r.read(body)
	stop()
	body.Close()

	r.finish(readErr)
}

func (r *Runner) read(body io.Reader) error {
	dec := wire.NewDecoder(body)
	for {
		ev, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if !r.handle(ev) {
			return nil
		}
	}
}

// watchdog aborts the turn when no event arrived for the idle timeout.
func (r *Runner) watchdog() {
	if r.opts.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(r.opts.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			r.mu.Lock()
			idle := now.Sub(r.lastEvent)
			if idle >= r.opts.IdleTimeout {
				r.abortLocked(reasonIdle)
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
		}
	}
}

// handle applies one event. It returns false when the stream is over.
func (r *Runner) handle(ev wire.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reason != reasonNone {
		return false
	}
	r.lastEvent = time.Now()

	switch ev.Type {
	case wire.TypeText:
		if ev.Text == "" {
			return true
		}
		appendText(&r.state, ev.Text)
		r.publishLocked(types.EventSnapshotUpdated)

	case wire.TypeToolUse:
		upsertTool(&r.state, ev.ToolUse)
		r.publishLocked(types.EventSnapshotUpdated)

	case wire.TypeToolResult:
		setOutcome(&r.state, ev.ToolResult)
		r.publishLocked(types.EventSnapshotUpdated)
		name := ""
		if inv, ok := r.state.Invocation(ev.ToolResult.ToolUseID); ok {
			name = inv.Name
		}
		if r.hooks.toolResult != nil {
			r.hooks.toolResult(ev.ToolResult.ToolUseID, name)
		}

	case wire.TypeToolOutput:
		if p := ev.Progress; p != nil {
			if r.opts.ToolTimeout > 0 && p.ElapsedSeconds >= r.opts.ToolTimeout.Seconds() {
				r.stallLocked(p.ToolName, p.ElapsedSeconds)
				return false
			}
			r.state.StatusText = fmt.Sprintf("Running %s (%ds)", p.ToolName, wholeSeconds(p.ElapsedSeconds))
			r.publishLocked(types.EventSnapshotUpdated)
		}

	case wire.TypeToolTimeout:
		r.stallLocked(ev.ToolTimeout.ToolName, ev.ToolTimeout.ElapsedSeconds)
		return false

	case wire.TypeStatus:
		applyStatus(&r.state, ev.Status)
		r.publishLocked(types.EventSnapshotUpdated)

	case wire.TypeModeChanged:
		r.state.Mode = ev.Text
		r.state.StatusText = "Mode: " + ev.Text
		r.publishLocked(types.EventSnapshotUpdated)

	case wire.TypePermissionRequest:
		now := time.Now()
		r.state.PendingPermission = &types.PermissionRequest{
			ID:             ev.Permission.ID,
			SessionID:      r.sessionID,
			ToolName:       ev.Permission.ToolName,
			ToolInput:      ev.Permission.ToolInput,
			Suggestions:    ev.Permission.Suggestions,
			DecisionReason: ev.Permission.DecisionReason,
			CreatedAt:      now,
			ExpiresAt:      now.Add(PermissionTimeout),
		}
		r.state.PermissionResult = ""
		r.publishLocked(types.EventPermissionRequest)

	case wire.TypeResult:
		applyResult(&r.state, ev.Result)
		r.publishLocked(types.EventSnapshotUpdated)

	case wire.TypeError:
		r.turnError = ev.Text
		appendNotice(&r.state, "Error: "+ev.Text)
		r.publishLocked(types.EventSnapshotUpdated)

	case wire.TypeDone:
		return false
	}
	return true
}

// stallLocked reports a stalled tool once and aborts the turn.
func (r *Runner) stallLocked(tool string, elapsed float64) {
	if !r.abortLocked(reasonToolStall) {
		return
	}
	r.stallTool = tool
	r.stallAfter = elapsed
	r.state.ToolTimeout = &types.ToolTimeout{ToolName: tool, ElapsedSeconds: elapsed}
	r.state.StatusText = fmt.Sprintf("%s timed out after %ds", tool, wholeSeconds(elapsed))
	r.publishLocked(types.EventSnapshotUpdated)
	r.log.Warn().Str("tool", tool).Float64("elapsed", elapsed).Msg("Tool stalled")
}

// finish classifies the end of the turn and publishes the terminal snapshot.
func (r *Runner) finish(streamErr error) {
	r.mu.Lock()

	s := &r.state
	switch r.reason {
	case reasonUser, reasonReplaced, reasonShutdown:
		s.Phase = types.PhaseStopped
		s.FinalContent = stoppedContent(s)

	case reasonIdle:
		idle := r.opts.IdleTimeout
		if idle >= time.Second {
			idle = idle.Round(time.Second)
		}
		msg := fmt.Sprintf("Stream idle timeout: no activity for %s", idle)
		s.Phase = types.PhaseError
		s.Error = msg
		s.FinalContent = errorContent(s, msg)

	case reasonToolStall:
		s.Phase = types.PhaseStopped
		s.FinalContent = toolStallContent(s, r.stallTool, r.stallAfter)

	default:
		switch {
		case streamErr != nil:
			msg := streamErr.Error()
			s.Phase = types.PhaseError
			s.Error = msg
			s.FinalContent = "Error: " + msg
		case r.turnError != "":
			s.Phase = types.PhaseError
			s.Error = r.turnError
			s.FinalContent = s.Text
		default:
			s.Phase = types.PhaseCompleted
			s.FinalContent = completedContent(s)
		}
	}

	s.PendingPermission = nil
	s.PermissionResult = ""
	s.StatusText = ""
	r.finished = true

	r.publishLocked(types.EventPhaseChanged)
	r.publishLocked(types.EventCompleted)
	final := r.state.Clone()
	reason := r.reason
	r.mu.Unlock()

	evt := r.log.Info()
	if final.Phase == types.PhaseError {
		evt = r.log.Warn().Str("error", final.Error)
	}
	evt.Str("phase", string(final.Phase)).Str("reason", reason.String()).Msg("Turn finished")

	if r.hooks.finished != nil {
		r.hooks.finished(r, final)
	}
}

// stalled reports the stalled tool when the turn ended on a tool stall.
func (r *Runner) stalled() (tool string, elapsed float64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stallTool, r.stallAfter, r.reason == reasonToolStall
}

// pendingPermission returns the id of the request waiting on this turn.
func (r *Runner) pendingPermission() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.PendingPermission == nil {
		return ""
	}
	return r.state.PendingPermission.ID
}

// recordDecision shows the decision for id, if id is still the pending request.
func (r *Runner) recordDecision(id string, behavior types.Behavior) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || r.state.PendingPermission == nil || r.state.PendingPermission.ID != id {
		return false
	}
	r.state.PermissionResult = behavior
	r.publishLocked(types.EventSnapshotUpdated)
	return true
}

// settlePermission clears the pending request unless a newer one replaced it.
func (r *Runner) settlePermission(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || r.state.PendingPermission == nil || r.state.PendingPermission.ID != id {
		return false
	}
	r.state.PendingPermission = nil
	r.state.PermissionResult = ""
	r.publishLocked(types.EventSnapshotUpdated)
	return true
}
