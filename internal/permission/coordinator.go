package permission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/xuxu777xu/CodePilot-sub000/internal/logging"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// DefaultTimeout is how long a request waits for a human before it is denied.
const DefaultTimeout = 5 * time.Minute

const (
	auditRetryInitial = 50 * time.Millisecond
	auditRetryMax     = time.Second
	auditRetries      = 3
)

// Config configures a Coordinator.
type Config struct {
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
	// Policy decides requests from rules before they are registered. Optional.
	Policy *Policy
	// Audit defaults to NopAudit.
	Audit AuditSink
	// OnResolved is called once per finished request, outside any lock.
	OnResolved func(Resolution)
}

type pendingRequest struct {
	req     types.PermissionRequest
	ch      chan types.Decision
	timer   *time.Timer
	stopCtx func() bool
}

// Coordinator tracks in-flight permission requests.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool

	timeout    time.Duration
	policy     *Policy
	audit      AuditSink
	onResolved func(Resolution)
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Audit == nil {
		cfg.Audit = NopAudit{}
	}
	return &Coordinator{
		pending:    make(map[string]*pendingRequest),
		timeout:    cfg.Timeout,
		policy:     cfg.Policy,
		audit:      cfg.Audit,
		onResolved: cfg.OnResolved,
	}
}

// Recover expires audit rows left pending by a previous process.
func (c *Coordinator) Recover(ctx context.Context) error {
	n, err := c.audit.ExpirePending(ctx)
	if err != nil {
		return fmt.Errorf("expire pending permissions: %w", err)
	}
	if n > 0 {
		logging.Info().Int("count", n).Msg("Expired stale permission requests")
	}
	return nil
}

func (c *Coordinator) prepare(req *types.PermissionRequest) {
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	req.ExpiresAt = req.CreatedAt.Add(c.timeout)
}

// Register suspends req until it is resolved. The returned channel receives
// exactly one decision: the human's, a timeout denial, or an abort denial
// when ctx is done first.
func (c *Coordinator) Register(ctx context.Context, req types.PermissionRequest) (<-chan types.Decision, error) {
	c.prepare(&req)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := c.pending[req.ID]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, req.ID)
	}
	p := &pendingRequest{req: req.Clone(), ch: make(chan types.Decision, 1)}
	c.pending[req.ID] = p
	c.mu.Unlock()

	// The pending row must exist before any outcome can be written for it.
	c.record(ctx, "request", req.ID, func(ctx context.Context) error {
		return c.audit.RecordRequest(ctx, req)
	})

	id := req.ID
	c.mu.Lock()
	if _, ok := c.pending[id]; ok {
		p.timer = time.AfterFunc(time.Until(req.ExpiresAt), func() {
			c.finish(id, types.Deny(ReasonTimedOut), types.AuditTimeout)
		})
		p.stopCtx = context.AfterFunc(ctx, func() {
			c.finish(id, types.Deny(ReasonAborted), types.AuditAborted)
		})
	}
	c.mu.Unlock()

	logging.Debug().
		Str("permissionID", id).
		Str("sessionID", req.SessionID).
		Str("tool", req.ToolName).
		Msg("Permission request registered")
	return p.ch, nil
}

// Resolve delivers a human decision. Only the first resolution of an id has
// any effect; later calls return ErrNotFound.
func (c *Coordinator) Resolve(id string, decision types.Decision) error {
	var status types.AuditStatus
	switch decision.Behavior {
	case types.BehaviorAllow:
		status = types.AuditAllow
	case types.BehaviorDeny:
		status = types.AuditDeny
	default:
		return fmt.Errorf("invalid behavior %q", decision.Behavior)
	}
	if !c.finish(id, decision, status) {
		return ErrNotFound
	}
	return nil
}

// Ask runs the full request flow: rule evaluation, registration, announce and
// wait. announce is called with the registered request so the caller can
// forward it to a human.
func (c *Coordinator) Ask(ctx context.Context, req types.PermissionRequest, announce func(types.PermissionRequest)) types.Decision {
	c.prepare(&req)

	if d, rule, ok := c.policy.Evaluate(req.ToolName, req.ToolInput); ok {
		status := types.AuditDeny
		if d.Allowed() {
			status = types.AuditAllow
		}
		c.record(ctx, "request", req.ID, func(ctx context.Context) error {
			return c.audit.RecordRequest(ctx, req)
		})
		c.record(ctx, "outcome", req.ID, func(ctx context.Context) error {
			return c.audit.RecordOutcome(ctx, req.ID, status, "rule:"+rule)
		})
		logging.Info().
			Str("permissionID", req.ID).
			Str("tool", req.ToolName).
			Str("rule", rule).
			Str("behavior", string(d.Behavior)).
			Msg("Permission decided by rule")
		c.notify(Resolution{Request: req, Decision: d, Status: status})
		return d
	}

	ch, err := c.Register(ctx, req)
	if err != nil {
		return types.Deny(err.Error())
	}
	if announce != nil {
		announce(req.Clone())
	}
	return <-ch
}

// Pending returns the unresolved requests ordered by creation time.
func (c *Coordinator) Pending() []types.PermissionRequest {
	c.mu.Lock()
	out := make([]types.PermissionRequest, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p.req.Clone())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close denies every pending request as aborted. Later registrations fail.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.finish(id, types.Deny(ReasonAborted), types.AuditAborted)
	}
}

// finish removes the request and delivers d. It returns false if the request
// was already finished.
func (c *Coordinator) finish(id string, d types.Decision, status types.AuditStatus) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	if p.stopCtx != nil {
		p.stopCtx()
	}

	if d.Allowed() && len(d.UpdatedInput) == 0 {
		d.UpdatedInput = p.req.ToolInput
	}
	details := d.Message
	if details == "" {
		details = string(d.Behavior)
	}
	c.record(context.Background(), "outcome", id, func(ctx context.Context) error {
		return c.audit.RecordOutcome(ctx, id, status, details)
	})

	logging.Info().
		Str("permissionID", id).
		Str("sessionID", p.req.SessionID).
		Str("status", string(status)).
		Msg("Permission request resolved")
	c.notify(Resolution{Request: p.req, Decision: d, Status: status})
	p.ch <- d
	return true
}

func (c *Coordinator) notify(r Resolution) {
	if c.onResolved != nil {
		c.onResolved(r)
	}
}

// record writes to the audit sink with bounded retries. Audit failures are
// logged and never change the decision.
func (c *Coordinator) record(ctx context.Context, what, id string, fn func(context.Context) error) {
	// Writes outlive an aborted request: the abort itself must be recorded.
	ctx = context.WithoutCancel(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = auditRetryInitial
	b.MaxInterval = auditRetryMax
	b.Reset()

	err := backoff.Retry(func() error { return fn(ctx) }, backoff.WithMaxRetries(b, auditRetries))
	if err != nil {
		logging.Warn().Err(err).
			Str("permissionID", id).
			Str("record", what).
			Msg("Failed to write permission audit record")
	}
}
