package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xuxu777xu/CodePilot-sub000/internal/event"
	"github.com/xuxu777xu/CodePilot-sub000/internal/logging"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

var (
	// ErrRegistryClosed is returned by Start after Close.
	ErrRegistryClosed = errors.New("stream registry closed")
	// ErrPermissionNotFound is returned by a PermissionResponder when the
	// request is no longer pending on the agent side.
	ErrPermissionNotFound = errors.New("permission request not found")
)

// PermissionResponder delivers a human decision to the agent side.
type PermissionResponder interface {
	RespondPermission(ctx context.Context, id string, d types.Decision) error
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Transport Transport
	Responder PermissionResponder
	Options   Options
	// Notes receives fire-and-forget notifications (files changed, turn finished). Optional.
	Notes *event.Bus
}

// Registry owns at most one active Runner per session and fans every state
// change out to the session's listeners.
type Registry struct {
	transport Transport
	responder PermissionResponder
	opts      Options
	notes     *event.Bus
	streams   *event.StreamBus

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	wg      sync.WaitGroup
}

// entry is the registry slot of one session. gen increases with every turn;
// publications from a runner whose gen is stale are dropped.
type entry struct {
	mu         sync.Mutex
	gen        uint64
	runner     *Runner
	snapshot   *types.SessionState
	gcTimer    *time.Timer
	retryTimer *time.Timer
}

// NewRegistry creates a registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		transport: cfg.Transport,
		responder: cfg.Responder,
		opts:      cfg.Options.normalized(),
		notes:     cfg.Notes,
		streams:   event.NewStreamBus(),
		entries:   make(map[string]*entry),
	}
}

// Start begins a new turn for sessionID and returns its turn id. An active
// turn for the same session is aborted and detached first. Start does not
// wait for the turn to make progress.
func (r *Registry) Start(sessionID string, req types.TurnRequest) (string, error) {
	if sessionID == "" {
		return "", errors.New("session id is required")
	}
	return r.start(sessionID, req, false, 0)
}

// start installs a new runner. A non-zero expectGen makes the call a no-op
// unless the session is still on that generation.
func (r *Registry) start(sessionID string, req types.TurnRequest, retried bool, expectGen uint64) (string, error) {
	req.SessionID = sessionID

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrRegistryClosed
	}
	e := r.entries[sessionID]
	if e == nil {
		e = &entry{}
		r.entries[sessionID] = e
	}
	r.wg.Add(1)
	// Take e.mu before releasing r.mu so evict and dropPlaceholder cannot
	// delete the entry between the lookup and the runner install.
	e.mu.Lock()
	r.mu.Unlock()

	if expectGen != 0 && e.gen != expectGen {
		e.mu.Unlock()
		r.wg.Done()
		return "", nil
	}
	e.gen++
	gen := e.gen

	runner := newRunner(sessionID, req, retried, r.transport, r.opts, r.hooks(sessionID, e, gen))
	old := e.runner
	e.runner = runner
	stopTimer(&e.gcTimer)
	stopTimer(&e.retryTimer)

	initial := runner.state.Clone()
	e.snapshot = &initial
	r.streams.Publish(types.StreamEvent{
		Type:      types.EventPhaseChanged,
		SessionID: sessionID,
		Snapshot:  initial.Clone(),
	})
	e.mu.Unlock()

	if old != nil {
		old.abort(reasonReplaced)
	}

	go func() {
		defer r.wg.Done()
		runner.run()
	}()
	return runner.TurnID(), nil
}

func (r *Registry) hooks(sessionID string, e *entry, gen uint64) runnerHooks {
	return runnerHooks{
		publish: func(ev types.StreamEvent) {
			r.emit(e, gen, ev)
		},
		toolResult: func(toolUseID, toolName string) {
			if r.notes == nil {
				return
			}
			r.notes.Notify(event.FilesChanged, sessionID, event.FilesChangedData{
				ToolUseID: toolUseID,
				ToolName:  toolName,
			})
		},
		finished: func(run *Runner, final types.SessionState) {
			r.finished(sessionID, e, gen, run, final)
		},
	}
}

// emit publishes ev unless the session has moved on to a newer turn.
func (r *Registry) emit(e *entry, gen uint64, ev types.StreamEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return
	}
	snap := ev.Snapshot
	e.snapshot = &snap
	r.streams.Publish(ev)

	if ev.Type == types.EventCompleted {
		stopTimer(&e.gcTimer)
		e.gcTimer = time.AfterFunc(r.opts.GracePeriod, func() {
			r.evict(ev.SessionID, gen, false)
		})
	}
}

func (r *Registry) finished(sessionID string, e *entry, gen uint64, run *Runner, final types.SessionState) {
	if r.notes != nil {
		r.notes.Notify(event.TurnFinished, sessionID, event.TurnFinishedData{
			TurnID: final.TurnID,
			Phase:  final.Phase,
			Error:  final.Error,
		})
	}

	tool, elapsed, stalled := run.stalled()
	if !stalled || run.retried {
		return
	}

	retry := run.req
	retry.Content = RetryPrompt(tool, elapsed)
	retry.Files = nil

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return
	}
	stopTimer(&e.retryTimer)
	e.retryTimer = time.AfterFunc(r.opts.RetryDelay, func() {
		turnID, err := r.start(sessionID, retry, true, gen)
		if err != nil {
			logging.Warn().Err(err).Str("sessionID", sessionID).Msg("Tool stall retry not started")
			return
		}
		if turnID != "" {
			logging.Info().Str("sessionID", sessionID).Str("turnID", turnID).Str("tool", tool).Msg("Retrying after tool stall")
		}
	})
}

// Stop raises the user cancellation on the session's active turn.
func (r *Registry) Stop(sessionID string) {
	if run := r.activeRunner(sessionID); run != nil {
		run.Stop()
	}
}

func (r *Registry) activeRunner(sessionID string) *Runner {
	r.mu.Lock()
	e := r.entries[sessionID]
	r.mu.Unlock()
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runner == nil || e.snapshot == nil || e.snapshot.Phase != types.PhaseActive {
		return nil
	}
	return e.runner
}

// Subscribe attaches fn to the session. Listeners may attach before any turn
// has started. The returned function detaches only this listener.
func (r *Registry) Subscribe(sessionID string, fn event.Listener) func() {
	r.mu.Lock()
	if r.entries[sessionID] == nil && !r.closed {
		r.entries[sessionID] = &entry{}
	}
	unsub := r.streams.Subscribe(sessionID, fn)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			r.dropPlaceholder(sessionID)
		})
	}
}

// dropPlaceholder removes an entry that never ran a turn and has no listeners.
func (r *Registry) dropPlaceholder(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[sessionID]
	if e == nil {
		return
	}
	e.mu.Lock()
	empty := e.runner == nil && e.snapshot == nil && e.retryTimer == nil
	e.mu.Unlock()
	if empty && r.streams.Listeners(sessionID) == 0 {
		delete(r.entries, sessionID)
	}
}

// Snapshot returns the most recent state of the session.
func (r *Registry) Snapshot(sessionID string) (types.SessionState, bool) {
	r.mu.Lock()
	e := r.entries[sessionID]
	r.mu.Unlock()
	if e == nil {
		return types.SessionState{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snapshot == nil {
		return types.SessionState{}, false
	}
	return e.snapshot.Clone(), true
}

// RespondToPermission forwards d to whatever request is pending on the
// session. Without a pending request it does nothing.
func (r *Registry) RespondToPermission(ctx context.Context, sessionID string, d types.Decision) error {
	run := r.activeRunner(sessionID)
	if run == nil {
		return nil
	}
	id := run.pendingPermission()
	if id == "" {
		return nil
	}

	log := logging.With().Str("sessionID", sessionID).Str("permissionID", id).Logger()
	if r.responder != nil {
		if err := r.responder.RespondPermission(ctx, id, d); err != nil {
			if errors.Is(err, ErrPermissionNotFound) {
				log.Debug().Msg("Permission already resolved")
				return nil
			}
			return fmt.Errorf("respond to permission %s: %w", id, err)
		}
	}
	log.Info().Str("behavior", string(d.Behavior)).Msg("Permission answered")

	if run.recordDecision(id, d.Behavior) {
		time.AfterFunc(r.opts.PermissionSettle, func() {
			run.settlePermission(id)
		})
	}
	return nil
}

// Clear drops the retained state of a finished session.
func (r *Registry) Clear(sessionID string) {
	r.mu.Lock()
	e := r.entries[sessionID]
	r.mu.Unlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()
	r.evict(sessionID, gen, true)
}

// evict drops the snapshot of a terminal session still on gen. The entry
// itself stays while listeners are attached.
func (r *Registry) evict(sessionID string, gen uint64, explicit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[sessionID]
	if e == nil {
		return
	}

	e.mu.Lock()
	if e.gen != gen || e.snapshot == nil || !e.snapshot.Phase.Terminal() {
		e.mu.Unlock()
		return
	}
	e.snapshot = nil
	e.runner = nil
	stopTimer(&e.gcTimer)
	pendingRetry := e.retryTimer != nil
	e.mu.Unlock()

	if !pendingRetry && r.streams.Listeners(sessionID) == 0 {
		delete(r.entries, sessionID)
	}
	logging.Debug().Str("sessionID", sessionID).Bool("explicit", explicit).Msg("Session state evicted")
}

// Active reports whether the session has a turn in progress.
func (r *Registry) Active(sessionID string) bool {
	return r.activeRunner(sessionID) != nil
}

// Close aborts every active turn, waits for the runners to publish their
// final state and detaches all listeners.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		run := e.runner
		stopTimer(&e.gcTimer)
		stopTimer(&e.retryTimer)
		e.mu.Unlock()
		if run != nil {
			run.abort(reasonShutdown)
		}
	}

	r.wg.Wait()
	r.streams.Close()
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
